// Package testutil provides an in-memory store, fixtures and HTTP helpers
// shared by the package tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"lawlibrary/internal/models"
	"lawlibrary/internal/notifier"
)

const TestJWTSecret = "test-secret-key"

var isbnSeq atomic.Int64

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start.UTC()}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// RecordingNotifier keeps every event it is given.
type RecordingNotifier struct {
	mu     sync.Mutex
	events []notifier.Event
	Err    error
}

func (n *RecordingNotifier) Notify(_ context.Context, ev notifier.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	n.events = append(n.events, ev)
	return nil
}

func (n *RecordingNotifier) Events() []notifier.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifier.Event(nil), n.events...)
}

// EventsOfType filters the recorded events by type.
func (n *RecordingNotifier) EventsOfType(typ string) []notifier.Event {
	var out []notifier.Event
	for _, ev := range n.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// CreateUser stores a user with the given role.
func CreateUser(t *testing.T, store *MemoryStore, username string, role models.UserRole) *models.User {
	t.Helper()
	user := &models.User{Username: username, Role: role}
	require.NoError(t, store.Users().Create(context.Background(), user), "Failed to create test user")
	return user
}

// CreateBook stores a book with all copies available.
func CreateBook(t *testing.T, store *MemoryStore, title string, copies int) *models.Book {
	t.Helper()
	book := &models.Book{
		Title:           title,
		Author:          "Test Author",
		ISBN:            fmt.Sprintf("978%010d", isbnSeq.Add(1)),
		Publisher:       "Test Press",
		Location:        "Stack A",
		TotalCopies:     copies,
		AvailableCopies: copies,
		AddedAt:         time.Now().UTC(),
	}
	require.NoError(t, store.Books().Create(context.Background(), book), "Failed to create test book")
	return book
}

// Token signs an HS256 token for the user with TestJWTSecret.
func Token(t *testing.T, userID uint) string {
	t.Helper()
	return SignToken(t, TestJWTSecret, jwt.MapClaims{
		"sub": strconv.FormatUint(uint64(userID), 10),
		"exp": time.Now().Add(24 * time.Hour).Unix(),
		"iat": time.Now().Unix(),
	})
}

func SignToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(secret))
	require.NoError(t, err, "Failed to generate JWT token")
	return tokenString
}

// PerformRequest executes an HTTP request against the router
func PerformRequest(r http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer
	switch b := body.(type) {
	case nil:
		reqBody = bytes.NewBuffer(nil)
	case string:
		reqBody = bytes.NewBufferString(b)
	default:
		jsonBody, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, _ := http.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// AuthHeaders returns headers with Authorization token
func AuthHeaders(token string) map[string]string {
	return map[string]string{
		"Authorization": fmt.Sprintf("Bearer %s", token),
	}
}

// DecodeJSON unmarshals a recorded response body.
func DecodeJSON(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), "body: %s", w.Body.String())
}
