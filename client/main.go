package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mahaj/dupahar-chat/pkg/gateway"
	"github.com/mahaj/dupahar-chat/pkg/model"
)

type LoginResponse struct {
	Token string `json:"token"`
}

func login(apiAddr, userID string) (string, error) {
	reqBody, _ := json.Marshal(map[string]string{"user_id": userID})
	resp, err := http.Post(apiAddr+"/login", "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("login failed: %s", string(body))
	}

	var loginResp LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		return "", err
	}

	return loginResp.Token, nil
}

// parseCommand turns one input line into a frame. ok is false for lines that
// send nothing.
func parseCommand(conversationID, text string) (in gateway.Inbound, ok bool, err error) {
	in = gateway.Inbound{RequestID: uuid.NewString(), ConversationID: conversationID}
	fields := strings.Fields(text)
	switch {
	case text == "":
		return in, false, nil
	case text == "/typing":
		in.Type = gateway.FrameTyping
	case fields[0] == "/history":
		in.Type = gateway.FrameHistory
		in.FromID = 1
		if len(fields) > 1 {
			if in.FromID, err = strconv.ParseInt(fields[1], 10, 64); err != nil {
				return in, false, fmt.Errorf("usage: /history [from_id]")
			}
		}
	case fields[0] == "/read":
		if len(fields) != 2 {
			return in, false, fmt.Errorf("usage: /read <message_id>")
		}
		in.Type = gateway.FrameRead
		if in.UpToID, err = strconv.ParseInt(fields[1], 10, 64); err != nil {
			return in, false, fmt.Errorf("usage: /read <message_id>")
		}
	default:
		in.Type = gateway.FrameSend
		in.Payload = text
	}
	return in, true, nil
}

func render(out gateway.Outbound) string {
	switch out.Type {
	case gateway.FrameMessage:
		return fmt.Sprintf("[%d] %s: %s", out.Message.ID, out.Message.SenderID, out.Message.Payload)
	case gateway.FrameHistory:
		var b strings.Builder
		for _, m := range out.Messages {
			fmt.Fprintf(&b, "[%d] %s: %s\n", m.ID, m.SenderID, m.Payload)
		}
		return strings.TrimSuffix(b.String(), "\n")
	case gateway.FrameTyping, gateway.FrameReceipt, gateway.FrameEvent:
		if out.Event == nil {
			return ""
		}
		switch out.Event.Type {
		case model.TypeTyping:
			return fmt.Sprintf("User %s is typing...", out.Event.UserID)
		case model.TypeReadReceipt:
			return fmt.Sprintf("User %s read up to %d", out.Event.UserID, out.Event.MessageID)
		}
		return fmt.Sprintf("event %s from %s", out.Event.Type, out.Event.UserID)
	case gateway.FrameAck:
		if out.Message != nil {
			return fmt.Sprintf("sent [%d]", out.Message.ID)
		}
		return ""
	case gateway.FrameError:
		return fmt.Sprintf("error (%s): %s", out.Code, out.Error)
	}
	return ""
}

func main() {
	serverAddr := flag.String("addr", "localhost:8080", "gateway service address")
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	userID := flag.String("user", "user1", "user id")
	conversationID := flag.String("conversation", "general", "conversation id")
	flag.Parse()

	// 1. Login to get token
	log.Printf("Logging in as %s...", *userID)
	token, err := login(*apiAddr, *userID)
	if err != nil {
		log.Fatal("Login failed:", err)
	}
	log.Printf("Login successful. Token: %s...", token[:10])

	// 2. Connect to WebSocket with token
	u := url.URL{Scheme: "ws", Host: *serverAddr, Path: "/ws"}
	log.Printf("connecting to %s", u.String())

	header := http.Header{}
	header.Add("Authorization", "Bearer "+token)

	c, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer c.Close()

	done := make(chan struct{})

	// 3. Start goroutine to read frames
	go func() {
		defer close(done)
		for {
			var out gateway.Outbound
			if err := c.ReadJSON(&out); err != nil {
				log.Println("read:", err)
				return
			}
			if line := render(out); line != "" {
				fmt.Printf("\r%s\n> ", line)
			}
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	// 4. Read from stdin and send frames
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("> ")
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			if text == "/quit" {
				interrupt <- os.Interrupt
				return
			}

			in, ok, err := parseCommand(*conversationID, text)
			if err != nil {
				fmt.Println(err)
			}
			if ok {
				if err := c.WriteJSON(in); err != nil {
					log.Println("write:", err)
					return
				}
			}
			fmt.Print("> ")
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-interrupt:
			log.Println("interrupt")

			// Cleanly close the connection by sending a close message and then
			// waiting (with timeout) for the server to close the connection.
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				log.Println("write close:", err)
				return
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		}
	}
}
