/*
Package chat implements the chat messages carried as payloads of the causal
log. A message is JSON, optionally signed by its author. Signatures are
checked when messages are read, and a message that fails the check is still
shown, only not marked as valid.
*/
package chat

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gitzhang10/friends/dag"
	"github.com/gitzhang10/friends/sign"
	"go.dedis.ch/kyber/v3"
)

// DefaultChannel is the channel of messages written without one.
const DefaultChannel = "friends"

var (
	ErrEmptyMessage = errors.New("empty message")
	ErrMalformed    = errors.New("malformed chat message")
	ErrVerification = errors.New("signature verification failed")
)

// Message is the payload written to the log.
type Message struct {
	Username  string `json:"username"`
	Channel   string `json:"channel,omitempty"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // epoch ms
	Sig       string `json:"sig,omitempty"`
}

// Compose builds the message username sends at now. The text is trimmed and
// must not be empty.
func Compose(username, channel, text string, now time.Time) (*Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	return &Message{
		Username:  username,
		Channel:   channel,
		Text:      text,
		Timestamp: now.UnixMilli(),
	}, nil
}

// SignedMaterial returns the bytes covered by the signature: username,
// channel (or nothing), text and the decimal timestamp, concatenated.
func (m *Message) SignedMaterial() []byte {
	var buf bytes.Buffer
	buf.WriteString(m.Username)
	buf.WriteString(m.Channel)
	buf.WriteString(m.Text)
	buf.WriteString(strconv.FormatInt(m.Timestamp, 10))
	return buf.Bytes()
}

// DisplayChannel returns the channel the message belongs to.
func (m *Message) DisplayChannel() string {
	if m.Channel == "" {
		return DefaultChannel
	}
	return m.Channel
}

// Encode returns the log payload of m.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Signer signs messages with the private key of the local user.
type Signer struct {
	private kyber.Scalar
}

func NewSigner(private kyber.Scalar) *Signer {
	return &Signer{private: private}
}

// Sign sets m.Sig. Any field changed afterwards invalidates it.
func (s *Signer) Sign(m *Message) error {
	sig, err := sign.SignSchnorr(s.private, m.SignedMaterial())
	if err != nil {
		return err
	}
	m.Sig = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// Verifier checks the signature of the messages of a user.
type Verifier interface {
	Verify(username string, material, sig []byte) error
}

// Keyring verifies against the public keys of known users. Usernames are
// matched case-insensitively, since viper lower-cases map keys.
type Keyring map[string]kyber.Point

func (k Keyring) Verify(username string, material, sig []byte) error {
	public, ok := k[strings.ToLower(username)]
	if !ok {
		return fmt.Errorf("%w: no public key for %s", ErrVerification, username)
	}
	if _, err := sign.VerifySchnorr(public, material, sig); err != nil {
		return fmt.Errorf("%w: %w", ErrVerification, err)
	}
	return nil
}

// Rich is a message as it is displayed.
type Rich struct {
	Message
	Valid bool // the signature was checked and is correct
	Hash  dag.Hash
	Seq   uint64
}

// Mentions reports whether someone else wrote username in the text.
func (r *Rich) Mentions(username string) bool {
	return username != "" && r.Username != username && strings.Contains(r.Text, username)
}

// Decode parses the message stored in e. When the message is signed and
// verifier is not nil the signature is checked; a failed check only leaves
// Valid false. The returned error is always ErrMalformed.
func Decode(e *dag.Entry, verifier Verifier) (*Rich, error) {
	r := &Rich{Hash: e.Hash, Seq: e.Seq}
	if err := json.Unmarshal(e.Payload, &r.Message); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if verifier == nil || r.Sig == "" {
		return r, nil
	}
	sig, err := base64.StdEncoding.DecodeString(r.Sig)
	if err != nil {
		return r, nil
	}
	r.Valid = verifier.Verify(r.Username, r.SignedMaterial(), sig) == nil
	return r, nil
}
