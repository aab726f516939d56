package inmemory

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sarkologist/solace-beam-unboundedSource/pkg/broker"
)

func connect(t *testing.T, b *Broker, name string) broker.Session {
	t.Helper()
	s, err := b.Connect(broker.SessionConfig{VPN: "default", ClientName: name})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func Test_ExclusiveQueueSingleActiveConsumer(t *testing.T) {
	b := New()
	first := connect(t, b, "first")
	second := connect(t, b, "second")

	f1, err := first.BindExclusiveFlow("q", broker.AckModeClient)
	if err != nil {
		t.Fatal(err)
	}
	f2, err := second.BindExclusiveFlow("q", broker.AckModeClient)
	if err != nil {
		t.Fatal(err)
	}

	b.Publish("q", NewMessage("m1", []byte("x")))

	if msg, _ := f2.Receive(10 * time.Millisecond); msg != nil {
		t.Fatal("standby binder must not receive")
	}
	msg, err := f1.Receive(time.Second)
	if err != nil || msg == nil {
		t.Fatalf("active binder should receive, got %v %v", msg, err)
	}
	if b.ActiveConsumer("q") != "first" {
		t.Errorf("expected first to be active, got %s", b.ActiveConsumer("q"))
	}
}

func Test_DisconnectPromotesStandby(t *testing.T) {
	b := New()
	first := connect(t, b, "first")
	second := connect(t, b, "second")

	first.BindExclusiveFlow("q", broker.AckModeClient)
	f2, _ := second.BindExclusiveFlow("q", broker.AckModeClient)

	if !b.DisconnectClient("first") {
		t.Fatal("disconnect should find the bound client")
	}
	if b.ActiveConsumer("q") != "second" {
		t.Fatalf("expected promotion of second, got %s", b.ActiveConsumer("q"))
	}

	b.Publish("q", NewMessage("m1", []byte("x")))
	msg, err := f2.Receive(time.Second)
	if err != nil || msg == nil {
		t.Fatalf("promoted binder should receive, got %v %v", msg, err)
	}
}

func Test_ReceiveDuringForcedDisconnect(t *testing.T) {
	b := New()
	s := connect(t, b, "victim")
	f, err := s.BindExclusiveFlow("q", broker.AckModeClient)
	if err != nil {
		t.Fatal(err)
	}

	// a rival force-disconnects the client while its owner is mid-Receive
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			if _, err := f.Receive(time.Millisecond); err != nil {
				if !broker.IsTransport(err) {
					t.Errorf("expected a transport error on a severed flow, got %v", err)
				}
				return
			}
		}
	}()
	for i := 0; i < 200; i++ {
		b.DisconnectClient("victim")
	}
	<-done
}

func Test_AckAccounting(t *testing.T) {
	b := New()
	s := connect(t, b, "c")
	f, _ := s.BindExclusiveFlow("q", broker.AckModeClient)

	b.Publish("q", NewMessage("m1", []byte("1234")))
	if b.SpoolUsage("q") != 4 {
		t.Errorf("expected 4 spool bytes, got %d", b.SpoolUsage("q"))
	}

	msg, _ := f.Receive(time.Second)
	if len(b.Acked()) != 0 {
		t.Error("client ack mode must not settle on delivery")
	}
	if err := msg.Ack(); err != nil {
		t.Fatal(err)
	}
	if err := msg.Ack(); err != nil {
		t.Fatal("ack must be idempotent")
	}
	if got := b.Acked(); len(got) != 1 || got[0] != "m1" {
		t.Errorf("expected [m1], got %v", got)
	}
	if b.SpoolUsage("q") != 0 {
		t.Errorf("expected empty spool, got %d", b.SpoolUsage("q"))
	}
}

func Test_AutoAckSettlesOnDelivery(t *testing.T) {
	b := New()
	s := connect(t, b, "c")
	f, _ := s.BindExclusiveFlow("q", broker.AckModeAuto)

	b.Publish("q", NewMessage("m1", []byte("x")))
	if _, err := f.Receive(time.Second); err != nil {
		t.Fatal(err)
	}
	if got := b.Acked(); len(got) != 1 {
		t.Errorf("auto ack should settle on delivery, acked %v", got)
	}
}

func Test_ShowRequestReply(t *testing.T) {
	b := New()
	s := connect(t, b, "c")
	s.BindExclusiveFlow("q", broker.AckModeClient)
	b.Publish("q", NewMessage("m1", []byte("12345678")))

	reply, err := s.RequestReply("#SEMP/inmem-router/SHOW",
		[]byte("<rpc><show><queue><name>q</name><vpn-name>default</vpn-name></queue></show></rpc>"),
		time.Second)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"<name>c</name>", "Active-Consumer", "<current-spool-usage-in-bytes>8</current-spool-usage-in-bytes>"} {
		if !strings.Contains(string(reply), want) {
			t.Errorf("reply %s missing %s", reply, want)
		}
	}

	if _, err := s.RequestReply("#SEMP/other/SHOW", []byte("<rpc/>"), time.Second); err == nil {
		t.Error("unknown topics must not be answered")
	}
}

func Test_AdminHandlerDisconnect(t *testing.T) {
	b := New()
	s := connect(t, b, "victim")
	s.BindExclusiveFlow("q", broker.AckModeClient)

	server := httptest.NewServer(b.AdminHandler())
	defer server.Close()

	req, _ := http.NewRequest(http.MethodPut,
		server.URL+"/SEMP/v2/action/msgVpns/default/clients/victim/disconnect",
		strings.NewReader("{}"))
	req.SetBasicAuth("admin", "admin")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if b.ActiveConsumer("q") != "" {
		t.Error("victim should have been unbound")
	}

	// without credentials
	req2, _ := http.NewRequest(http.MethodPut,
		server.URL+"/SEMP/v2/action/msgVpns/default/clients/victim/disconnect", nil)
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp2.StatusCode)
	}
}
