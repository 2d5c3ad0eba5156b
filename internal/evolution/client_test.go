package evolution

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Options{
		Domain:        srv.URL,
		GlobalKey:     "global-key",
		AdminInstance: "admin",
		AdminKey:      "admin-key",
	})
}

func TestFetchInstancesArrayShape(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/instance/fetchInstances" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("apikey"); got != "global-key" {
			t.Errorf("expected global key header, got %q", got)
		}
		w.Write([]byte(`[
			{"name": "bot-a", "token": "key-a", "number": "5511999990000", "ownerJid": "5511999990000@s.whatsapp.net", "connectionStatus": "OPEN"},
			{"name": "", "token": "orphan-key"},
			{"name": "bot-b", "token": ""}
		]`))
	}))

	instances := c.FetchInstances(context.Background())
	if len(instances) != 1 {
		t.Fatalf("expected 1 valid instance, got %d", len(instances))
	}
	in := instances[0]
	if in.Name != "bot-a" || in.APIKey != "key-a" || in.StatusHint != "open" {
		t.Errorf("unexpected instance: %+v", in)
	}
}

func TestFetchInstancesWrappedShape(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"instances": [{"name": "bot-a", "token": "key-a"}]}`))
	}))

	instances := c.FetchInstances(context.Background())
	if len(instances) != 1 || instances[0].Name != "bot-a" {
		t.Errorf("expected wrapped shape to decode, got %+v", instances)
	}
}

func TestFetchInstancesFailureReturnsEmpty(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	if instances := c.FetchInstances(context.Background()); len(instances) != 0 {
		t.Errorf("expected empty slice on failure, got %+v", instances)
	}
}

func TestFetchStatusQRWinsOverOpenState(t *testing.T) {
	// A body that carries both a QR payload and state=open must classify as
	// qr_code: the coarse state can lag the true device state.
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code": "2@qr-payload", "instance": {"state": "open"}}`))
	}))

	st := c.FetchStatus(context.Background(), "bot-a", "key-a")
	if st.Kind != StatusQRCode {
		t.Fatalf("expected qr_code, got %s", st.Kind)
	}
	if st.QRCode != "2@qr-payload" {
		t.Errorf("unexpected code %q", st.QRCode)
	}
}

func TestFetchStatusConnected(t *testing.T) {
	bodies := []string{
		`{"instance": {"state": "open"}}`,
		`{"status": "open"}`,
		`{"status": "CONNECTED"}`,
	}
	for _, body := range bodies {
		b := body
		c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(b))
		}))
		if st := c.FetchStatus(context.Background(), "bot-a", "key-a"); st.Kind != StatusConnected {
			t.Errorf("body %s: expected connected, got %s", b, st.Kind)
		}
	}
}

func TestFetchStatusUnknownCarriesRaw(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"instance": {"state": "close"}}`))
	}))

	st := c.FetchStatus(context.Background(), "bot-a", "key-a")
	if st.Kind != StatusUnknown {
		t.Fatalf("expected unknown, got %s", st.Kind)
	}
	if len(st.Raw) == 0 {
		t.Error("unknown status must carry the raw body for diagnostics")
	}
}

func TestFetchStatusErrorHidesDetail(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json at all`))
	}))

	st := c.FetchStatus(context.Background(), "bot-a", "key-a")
	if st.Kind != StatusError {
		t.Fatalf("expected error, got %s", st.Kind)
	}
	if st.Message != statusErrMessage {
		t.Errorf("error message must be the generic one, got %q", st.Message)
	}
	if len(st.Raw) != 0 {
		t.Error("error status must not leak the raw payload")
	}
}

func TestLogout(t *testing.T) {
	var gotMethod, gotPath, gotKey string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotKey = r.Method, r.URL.Path, r.Header.Get("apikey")
		w.Write([]byte(`{"status": "SUCCESS"}`))
	}))

	ok, detail := c.Logout(context.Background(), "bot-a", "key-a")
	if !ok {
		t.Fatalf("expected success, got detail %q", detail)
	}
	if gotMethod != http.MethodDelete || gotPath != "/instance/logout/bot-a" || gotKey != "key-a" {
		t.Errorf("unexpected request: %s %s apikey=%s", gotMethod, gotPath, gotKey)
	}
}

func TestLogoutFailure(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	if ok, _ := c.Logout(context.Background(), "bot-a", "key-a"); ok {
		t.Error("expected failure on 502")
	}
}

func TestSendText(t *testing.T) {
	var gotBody map[string]interface{}
	var gotPath, gotKey string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotKey = r.URL.Path, r.Header.Get("apikey")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"sent": true}`))
	}))

	ok, detail := c.SendText(context.Background(), "5511999990000", "your link: https://pair.example.com?t=abc")
	if !ok {
		t.Fatalf("expected success, got %q", detail)
	}
	if gotPath != "/message/sendText/admin" || gotKey != "admin-key" {
		t.Errorf("unexpected request: %s apikey=%s", gotPath, gotKey)
	}
	if gotBody["number"] != "5511999990000" || gotBody["linkPreview"] != true {
		t.Errorf("unexpected body: %+v", gotBody)
	}
}

func TestSendTextWithoutAdminIdentity(t *testing.T) {
	c := NewClient(Options{Domain: "wpp.example.com", GlobalKey: "g"})
	if ok, _ := c.SendText(context.Background(), "5511999990000", "hi"); ok {
		t.Error("expected failure without admin identity")
	}
}

func TestDomainSchemePrepended(t *testing.T) {
	c := NewClient(Options{Domain: "wpp.example.com/", GlobalKey: "g"})
	if c.baseURL != "https://wpp.example.com" {
		t.Errorf("expected https scheme and trimmed slash, got %q", c.baseURL)
	}
}
