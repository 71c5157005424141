package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/config"
	"github.com/mahaj/dupahar-chat/pkg/db"
	"github.com/mahaj/dupahar-chat/pkg/logging"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/urfave/cli/v2"
)

// adminClient drives the gateway's conversation routes as one identity.
type adminClient struct {
	base  string
	token string
	http  *http.Client
}

func newAdminClient(c *cli.Context) (*adminClient, error) {
	tokens := auth.New(c.String("jwt-secret"), time.Hour)
	token, err := tokens.GenerateToken(c.String("as"))
	if err != nil {
		return nil, err
	}
	return &adminClient{
		base:  strings.TrimSuffix(c.String("gateway"), "/"),
		token: token,
		http:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (a *adminClient) do(ctx context.Context, method, path string, body any) (model.Conversation, error) {
	var conv model.Conversation
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return conv, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, &buf)
	if err != nil {
		return conv, err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return conv, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return conv, err
	}
	if resp.StatusCode >= 300 {
		return conv, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(data)))
	}
	return conv, json.Unmarshal(data, &conv)
}

func (a *adminClient) create(ctx context.Context, id string, members []string) (model.Conversation, error) {
	return a.do(ctx, http.MethodPost, "/conversations", map[string]any{"id": id, "members": members})
}

func (a *adminClient) show(ctx context.Context, id string) (model.Conversation, error) {
	return a.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(id), nil)
}

func (a *adminClient) addMember(ctx context.Context, id, identity string) (model.Conversation, error) {
	return a.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(id)+"/members", map[string]string{"identity": identity})
}

func (a *adminClient) removeMember(ctx context.Context, id, identity string) (model.Conversation, error) {
	return a.do(ctx, http.MethodDelete, "/conversations/"+url.PathEscape(id)+"/members/"+url.PathEscape(identity), nil)
}

func (a *adminClient) archive(ctx context.Context, id string) (model.Conversation, error) {
	return a.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(id)+"/archive", nil)
}

func printConversation(c *cli.Context, conv model.Conversation) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(conv)
}

// conversationAction wraps a client call that takes the conversation id as
// its first argument.
func conversationAction(fn func(c *cli.Context, a *adminClient, id string) (model.Conversation, error)) cli.ActionFunc {
	return func(c *cli.Context) error {
		id := c.Args().First()
		if id == "" {
			return errors.New("conversation id is required")
		}
		a, err := newAdminClient(c)
		if err != nil {
			return err
		}
		conv, err := fn(c, a, id)
		if err != nil {
			return err
		}
		return printConversation(c, conv)
	}
}

func databaseURL(c *cli.Context) (string, error) {
	u := c.String("database-url")
	if u == "" {
		return "", errors.New("--database-url or DATABASE_URL is required")
	}
	return u, nil
}

func newApp() *cli.App {
	clientFlags := []cli.Flag{
		&cli.StringFlag{
			Name:    "gateway",
			Value:   "http://localhost:8080",
			Usage:   "gateway base URL",
			EnvVars: []string{"CHAT_GATEWAY"},
		},
		&cli.StringFlag{
			Name:    "jwt-secret",
			Value:   config.DevJWTSecret,
			Usage:   "secret used to sign the admin token",
			EnvVars: []string{"JWT_SECRET"},
		},
		&cli.StringFlag{
			Name:     "as",
			Usage:    "identity to act as; must be a member for changes to existing conversations",
			Required: true,
		},
	}

	return &cli.App{
		Name:  "chatadmin",
		Usage: "operate the chat core: schema, tokens and conversations",
		Commands: []*cli.Command{
			{
				Name:  "migrate",
				Usage: "manage the Postgres schema",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "database-url", Usage: "Postgres connection URL", EnvVars: []string{"DATABASE_URL"}},
					&cli.StringFlag{Name: "log-level", Value: "info", EnvVars: []string{"LOG_LEVEL"}},
				},
				Subcommands: []*cli.Command{
					{
						Name:  "up",
						Usage: "apply every pending migration",
						Action: func(c *cli.Context) error {
							u, err := databaseURL(c)
							if err != nil {
								return err
							}
							log := logging.NewWithWriter(c.App.ErrWriter, "chatadmin", "", c.String("log-level"), "console")
							return db.RunMigrations(u, log)
						},
					},
					{
						Name:  "down",
						Usage: "revert every migration, dropping all chat data",
						Flags: []cli.Flag{&cli.BoolFlag{Name: "yes", Usage: "confirm data loss"}},
						Action: func(c *cli.Context) error {
							if !c.Bool("yes") {
								return errors.New("refusing to drop the schema without --yes")
							}
							u, err := databaseURL(c)
							if err != nil {
								return err
							}
							return db.DropAll(u)
						},
					},
				},
			},
			{
				Name:      "token",
				Usage:     "issue a signed token for an identity",
				ArgsUsage: "<identity>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "jwt-secret", Value: config.DevJWTSecret, EnvVars: []string{"JWT_SECRET"}},
					&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour, EnvVars: []string{"TOKEN_TTL"}},
				},
				Action: func(c *cli.Context) error {
					identity := c.Args().First()
					if identity == "" {
						return errors.New("identity is required")
					}
					token, err := auth.New(c.String("jwt-secret"), c.Duration("ttl")).GenerateToken(identity)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(c.App.Writer, token)
					return err
				},
			},
			{
				Name:  "conversation",
				Usage: "manage conversations through the gateway",
				Flags: clientFlags,
				Subcommands: []*cli.Command{
					{
						Name:      "create",
						ArgsUsage: "<id>",
						Flags:     []cli.Flag{&cli.StringSliceFlag{Name: "member", Aliases: []string{"m"}, Usage: "member identity, repeatable"}},
						Action: conversationAction(func(c *cli.Context, a *adminClient, id string) (model.Conversation, error) {
							return a.create(c.Context, id, c.StringSlice("member"))
						}),
					},
					{
						Name:      "show",
						ArgsUsage: "<id>",
						Action: conversationAction(func(c *cli.Context, a *adminClient, id string) (model.Conversation, error) {
							return a.show(c.Context, id)
						}),
					},
					{
						Name:      "add-member",
						ArgsUsage: "<id> <identity>",
						Action: conversationAction(func(c *cli.Context, a *adminClient, id string) (model.Conversation, error) {
							return a.addMember(c.Context, id, c.Args().Get(1))
						}),
					},
					{
						Name:      "remove-member",
						ArgsUsage: "<id> <identity>",
						Action: conversationAction(func(c *cli.Context, a *adminClient, id string) (model.Conversation, error) {
							return a.removeMember(c.Context, id, c.Args().Get(1))
						}),
					},
					{
						Name:      "archive",
						ArgsUsage: "<id>",
						Action: conversationAction(func(c *cli.Context, a *adminClient, id string) (model.Conversation, error) {
							return a.archive(c.Context, id)
						}),
					},
				},
			},
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "chatadmin:", err)
		os.Exit(1)
	}
}
