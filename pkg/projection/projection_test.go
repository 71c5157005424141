package projection

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/mahaj/dupahar-chat/pkg/db"
	"github.com/mahaj/dupahar-chat/pkg/events"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func cqlOf(stmts []stmt) []string {
	out := make([]string, len(stmts))
	for i, s := range stmts {
		out[i] = s.cql
	}
	return out
}

func TestPlanMessage(t *testing.T) {
	req := require.New(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	env := events.Envelope{
		Kind:           events.KindMessage,
		ConversationID: "c1",
		Message:        &model.Message{ID: 7, ConversationID: "c1", SenderID: "alice", Payload: "hi", CreatedAt: at},
		Members:        []string{"bob", "carol"},
	}

	stmts := plan(env, nil)
	req.Equal([]string{insertMessage, lastMessage, lastMessage, lastMessage, incrUnread, incrUnread}, cqlOf(stmts))
	req.Equal([]any{"c1", int64(7), "alice", "hi", at}, stmts[0].args)
	req.Equal([]any{int64(7), "alice", at, "alice", "c1"}, stmts[1].args)

	// the sender's own counter is never bumped
	for _, s := range stmts[4:] {
		req.NotEqual("alice", s.args[0])
	}
}

func TestPlanMembership(t *testing.T) {
	req := require.New(t)
	at := time.Now().UTC()

	created := plan(events.Envelope{Kind: events.KindConversationCreated, ConversationID: "c1", Members: []string{"alice", "bob"}, At: at}, nil)
	req.Equal([]string{insertMember, touchConv, insertMember, touchConv}, cqlOf(created))

	removed := plan(events.Envelope{Kind: events.KindMemberRemoved, ConversationID: "c1", Identity: "bob"}, nil)
	req.Equal([]string{deleteMember, deleteConv, resetUnread}, cqlOf(removed))
	req.Equal([]any{"bob", "c1"}, removed[2].args)

	read := plan(events.Envelope{Kind: events.KindRead, ConversationID: "c1", Identity: "alice", UpToID: 3}, nil)
	req.Equal([]string{resetUnread}, cqlOf(read))

	archived := plan(events.Envelope{Kind: events.KindConversationArchived, ConversationID: "c1", At: at}, []string{"alice", "bob"})
	req.Equal([]string{archiveConv, archiveConv}, cqlOf(archived))

	req.Empty(plan(events.Envelope{Kind: events.KindMessage, ConversationID: "c1"}, nil))
	req.Empty(plan(events.Envelope{Kind: "unknown", ConversationID: "c1"}, nil))
}

// TestScyllaProjection needs a disposable cluster, e.g.
// CHAT_TEST_SCYLLA_HOSTS=localhost:9042
func TestScyllaProjection(t *testing.T) {
	hosts := os.Getenv("CHAT_TEST_SCYLLA_HOSTS")
	if hosts == "" {
		t.Skip("CHAT_TEST_SCYLLA_HOSTS not set")
	}
	req := require.New(t)
	ctx := context.Background()
	keyspace := fmt.Sprintf("chat_test_%d", time.Now().UnixNano())
	hostList := strings.Split(hosts, ",")

	req.NoError(db.EnsureKeyspace(hostList, keyspace, 1, zerolog.Nop()))
	session, err := db.NewSession(hostList, keyspace, zerolog.Nop())
	req.NoError(err)
	t.Cleanup(func() {
		_ = session.Query("DROP KEYSPACE IF EXISTS " + keyspace).Exec()
		session.Close()
	})
	req.NoError(EnsureSchema(session.Session))

	p := New(session.Session, zerolog.Nop())
	now := time.Now().UTC().Truncate(time.Millisecond)
	apply := func(env events.Envelope) { req.NoError(p.Apply(ctx, env)) }

	apply(events.Envelope{Kind: events.KindConversationCreated, ConversationID: "c1", Members: []string{"alice", "bob"}, At: now})
	for i := int64(1); i <= 3; i++ {
		apply(events.Envelope{
			Kind:           events.KindMessage,
			ConversationID: "c1",
			Message:        &model.Message{ID: i, ConversationID: "c1", SenderID: "alice", Payload: fmt.Sprint(i), CreatedAt: now},
			Members:        []string{"bob"},
		})
	}

	convs, err := p.Conversations(ctx, "bob")
	req.NoError(err)
	req.Len(convs, 1)
	req.EqualValues(3, convs[0].LastMessageID)
	req.EqualValues(3, convs[0].UnreadCount)

	ok, err := p.IsMember(ctx, "c1", "bob")
	req.NoError(err)
	req.True(ok)

	msgs, err := p.History(ctx, "c1", 2, 10)
	req.NoError(err)
	req.Len(msgs, 2)
	req.EqualValues(2, msgs[0].ID)

	apply(events.Envelope{Kind: events.KindRead, ConversationID: "c1", Identity: "bob", UpToID: 3})
	convs, err = p.Conversations(ctx, "bob")
	req.NoError(err)
	req.Zero(convs[0].UnreadCount)

	apply(events.Envelope{Kind: events.KindConversationArchived, ConversationID: "c1", At: now})
	convs, err = p.Conversations(ctx, "alice")
	req.NoError(err)
	req.True(convs[0].Archived)
}
