package chat

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gitzhang10/friends/dag"
	"github.com/gitzhang10/friends/sign"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *dag.Log {
	t.Helper()
	l, err := dag.Open(dag.NewMemStore(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestCompose(t *testing.T) {
	m, err := Compose("alice", "", "  hi  ", time.UnixMilli(1000))
	require.NoError(t, err)
	assert.Equal(t, &Message{Username: "alice", Text: "hi", Timestamp: 1000}, m)
	assert.Equal(t, DefaultChannel, m.DisplayChannel())

	_, err = Compose("alice", "", " \n\t", time.Now())
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestEncodeOmitsEmptyFields(t *testing.T) {
	m := &Message{Username: "alice", Text: "hi", Timestamp: 1000}
	data, err := m.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"username":"alice","text":"hi","timestamp":1000}`, string(data))

	m.Channel = "random"
	m.Sig = "c2ln"
	data, err = m.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"username":"alice","channel":"random","text":"hi","timestamp":1000,"sig":"c2ln"}`, string(data))
}

func TestSignedMaterial(t *testing.T) {
	m := &Message{Username: "alice", Channel: "friends", Text: "hi", Timestamp: 1000}
	assert.Equal(t, []byte("alicefriendshi1000"), m.SignedMaterial())
	m.Channel = ""
	assert.Equal(t, []byte("alicehi1000"), m.SignedMaterial())
}

func appendMessage(t *testing.T, l *dag.Log, m *Message) *dag.Entry {
	t.Helper()
	payload, err := m.Encode()
	require.NoError(t, err)
	e, err := l.Append(payload)
	require.NoError(t, err)
	return e
}

func TestDecodeVerifiesSignatures(t *testing.T) {
	private, public := sign.GenKeys()
	keyring := Keyring{"alice": public}
	signer := NewSigner(private)
	l := newTestLog(t)

	signed := &Message{Username: "Alice", Text: "hi", Timestamp: 1000}
	require.NoError(t, signer.Sign(signed))
	r, err := Decode(appendMessage(t, l, signed), keyring)
	require.NoError(t, err)
	assert.True(t, r.Valid)
	assert.Equal(t, "hi", r.Text)
	assert.Equal(t, uint64(1), r.Seq)

	tampered := *signed
	tampered.Text = "bye"
	r, err = Decode(appendMessage(t, l, &tampered), keyring)
	require.NoError(t, err)
	assert.False(t, r.Valid)
	assert.Equal(t, "bye", r.Text)

	unknown := *signed
	unknown.Username = "mallory"
	r, err = Decode(appendMessage(t, l, &unknown), keyring)
	require.NoError(t, err)
	assert.False(t, r.Valid)

	badSig := *signed
	badSig.Sig = "not base64!"
	r, err = Decode(appendMessage(t, l, &badSig), keyring)
	require.NoError(t, err)
	assert.False(t, r.Valid)

	unsigned := &Message{Username: "alice", Text: "plain", Timestamp: 2000}
	r, err = Decode(appendMessage(t, l, unsigned), keyring)
	require.NoError(t, err)
	assert.False(t, r.Valid)

	r, err = Decode(appendMessage(t, l, signed), nil)
	require.NoError(t, err)
	assert.False(t, r.Valid)
}

func TestKeyringErrors(t *testing.T) {
	_, public := sign.GenKeys()
	keyring := Keyring{"alice": public}
	err := keyring.Verify("bob", []byte("x"), []byte("y"))
	assert.ErrorIs(t, err, ErrVerification)
	err = keyring.Verify("alice", []byte("x"), []byte("y"))
	assert.ErrorIs(t, err, ErrVerification)
}

func TestDecodeMalformed(t *testing.T) {
	l := newTestLog(t)
	e, err := l.Append([]byte("not json"))
	require.NoError(t, err)
	_, err = Decode(e, nil)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestMentions(t *testing.T) {
	r := &Rich{Message: Message{Username: "bob", Text: "hey alice, look"}}
	assert.True(t, r.Mentions("alice"))
	assert.False(t, r.Mentions("carol"))
	assert.False(t, r.Mentions(""))
	r.Username = "alice"
	assert.False(t, r.Mentions("alice"))
}

func TestFeedStartsWithBacklog(t *testing.T) {
	l := newTestLog(t)
	for i := 0; i < 10; i++ {
		appendMessage(t, l, &Message{Username: "alice", Text: fmt.Sprintf("msg %d", i), Timestamp: int64(i)})
	}
	_, err := l.Append([]byte("garbage"))
	require.NoError(t, err)

	feed := NewFeed(l, 4, nil, nil)
	defer feed.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var texts []string
	for i := 0; i < 3; i++ {
		r, err := feed.Next(ctx)
		require.NoError(t, err)
		texts = append(texts, r.Text)
	}
	// the fourth backlog entry is the garbage one, skipped
	assert.Equal(t, []string{"msg 7", "msg 8", "msg 9"}, texts)

	appendMessage(t, l, &Message{Username: "bob", Channel: "random", Text: "live", Timestamp: 99})
	r, err := feed.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "live", r.Text)
	assert.Equal(t, "random", r.DisplayChannel())
}

func TestFeedBacklogLargerThanLog(t *testing.T) {
	l := newTestLog(t)
	appendMessage(t, l, &Message{Username: "alice", Text: "only", Timestamp: 1})
	feed := NewFeed(l, 500, nil, nil)
	defer feed.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := feed.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "only", r.Text)
}
