package hub

import (
	"io"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func signedToken(t *testing.T, secret []byte, subject string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": subject, "exp": time.Now().Add(time.Hour).Unix()}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tok
}

func TestParseJWT_ValidTokenReturnsSubjectUUID(t *testing.T) {
	secret := []byte("test-secret")
	h := New(8, time.Second, time.Hour, time.Hour, secret, nil)

	id := uuid.New()
	got := h.parseJWT(signedToken(t, secret, id.String()))
	if got != id {
		t.Errorf("expected parsed subject %s, got %s", id, got)
	}
}

func TestParseJWT_WrongSecretReturnsAnonymous(t *testing.T) {
	h := New(8, time.Second, time.Hour, time.Hour, []byte("real-secret"), nil)

	tok := signedToken(t, []byte("wrong-secret"), uuid.New().String())
	if got := h.parseJWT(tok); got != uuid.Nil {
		t.Errorf("expected uuid.Nil for a token signed with the wrong secret, got %s", got)
	}
}

func TestParseJWT_MalformedTokenReturnsAnonymous(t *testing.T) {
	h := New(8, time.Second, time.Hour, time.Hour, []byte("secret"), nil)

	if got := h.parseJWT("not-a-jwt"); got != uuid.Nil {
		t.Errorf("expected uuid.Nil for a malformed token, got %s", got)
	}
}

func TestOnConnect_IdentifiedClientAutoSubscribesToUserChannel(t *testing.T) {
	h := New(8, time.Second, time.Hour, time.Hour, nil, nil)
	id := uuid.New()

	transport := newInternalFakeTransport()
	clientID := h.onConnect(transport, id)

	h.mu.RLock()
	_, subscribed := h.channelIndex["user:"+id.String()][clientID]
	h.mu.RUnlock()
	if !subscribed {
		t.Error("expected an identified client to be auto-subscribed to its user:{id} channel")
	}
}

// newInternalFakeTransport is a minimal Transport stub for white-box tests
// that need to call unexported Hub methods directly.
type internalFakeTransport struct{ inbox chan []byte }

func newInternalFakeTransport() *internalFakeTransport {
	return &internalFakeTransport{inbox: make(chan []byte, 16)}
}

func (f *internalFakeTransport) WriteMessage(int, []byte) error { return nil }
func (f *internalFakeTransport) ReadMessage() (int, []byte, error) {
	data, ok := <-f.inbox
	if !ok {
		return 0, nil, io.EOF
	}
	return 1, data, nil
}
func (f *internalFakeTransport) SetReadDeadline(time.Time) error   { return nil }
func (f *internalFakeTransport) SetWriteDeadline(time.Time) error  { return nil }
func (f *internalFakeTransport) SetPongHandler(func(string) error) {}
func (f *internalFakeTransport) SetReadLimit(int64)                {}
func (f *internalFakeTransport) Close() error                      { return nil }
