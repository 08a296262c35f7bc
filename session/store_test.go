package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/idmflow/idmflow/token"
)

type memKV struct {
	data map[string][]byte
}

func newMemKV() *memKV { return &memKV{data: make(map[string][]byte)} }

func (m *memKV) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m.data[key]
	if !ok {
		return nil, ErrKVMiss
	}
	return v, nil
}

func (m *memKV) Put(_ context.Context, key string, value []byte) error {
	m.data[key] = value
	return nil
}

func (m *memKV) Delete(_ context.Context, key string) error {
	delete(m.data, key)
	return nil
}

func successSession(t *testing.T) *Session {
	t.Helper()
	s := New("store-key")
	s.Username = "jdoe"
	s.IdentityDomain = "corp"
	s.SetProvider(ProviderOAuth2)
	s.SessionDuration = time.Hour
	s.IdleDuration = 5 * time.Minute
	s.StampExpiries(time.Now())
	s.Tokens = []token.Token{{
		Name:         "access_token",
		Value:        "at",
		Scopes:       []string{"read"},
		RefreshValue: "rt",
		Expiry:       time.Now().Add(time.Hour),
	}}
	s.Cookies = []Cookie{{
		Name: "JSESSIONID", Value: "abc", URL: "https://login.example.com",
		Domain: "example.com", Path: "/", HTTPOnly: true, Secure: true,
	}}
	if !s.SetStatus(StatusSuccess) {
		t.Fatal("could not finalize session")
	}
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	kv := newMemKV()
	st := NewStore(kv)
	ctx := context.Background()

	src := successSession(t)
	if err := st.Save(ctx, src); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := st.Load(ctx, "store-key")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got.Status() != StatusSuccess {
		t.Fatalf("restored status %s, want success", got.Status())
	}
	if got.Provider() != ProviderOAuth2 {
		t.Fatalf("restored provider %s, want oauth2", got.Provider())
	}
	if got.Username != "jdoe" || got.IdentityDomain != "corp" {
		t.Fatalf("identity fields lost: %q %q", got.Username, got.IdentityDomain)
	}
	if len(got.Tokens) != 1 || got.Tokens[0].RefreshValue != "rt" {
		t.Fatalf("token material lost: %v", got.Tokens)
	}
	if len(got.Cookies) != 1 || !got.Cookies[0].HTTPOnly {
		t.Fatalf("cookie material lost: %v", got.Cookies)
	}
}

func TestSaveRejectsNonTerminalSession(t *testing.T) {
	st := NewStore(newMemKV())
	s := New("k")
	if err := st.Save(context.Background(), s); err == nil {
		t.Fatal("expected save of in-progress session to fail")
	}
}

func TestLoadMissingKey(t *testing.T) {
	st := NewStore(newMemKV())
	if _, err := st.Load(context.Background(), "absent"); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestLoadCorruptRecordSelfHeals(t *testing.T) {
	kv := newMemKV()
	kv.data["bad"] = []byte("{not json")
	st := NewStore(kv)

	if _, err := st.Load(context.Background(), "bad"); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound for corrupt record", err)
	}
	if _, ok := kv.data["bad"]; ok {
		t.Fatal("corrupt record not deleted")
	}
}

func TestEncodeSchemaFields(t *testing.T) {
	s := successSession(t)
	data, err := Encode(s)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	blob := string(data)
	for _, want := range []string{
		`"status":"success"`, `"username":"jdoe"`, `"identity_domain":"corp"`,
		`"authenticated_mode":"oauth2"`, `"session_duration":3600`,
		`"idle_duration":300`, `"http_only":true`,
	} {
		if !strings.Contains(blob, want) {
			t.Fatalf("persisted blob missing %s: %s", want, blob)
		}
	}
}
