package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestEnabled(t *testing.T) {
	t.Parallel()

	for _, addr := range []string{"", "  ", "off", "Disabled", "false", "0"} {
		if Enabled(addr) {
			t.Fatalf("Enabled(%q) = true", addr)
		}
	}
	if !Enabled(":9090") {
		t.Fatalf("Enabled(:9090) = false")
	}
}

func TestStartServerDisabled(t *testing.T) {
	t.Parallel()

	srv, errCh := StartServer(context.Background(), "off", nil)
	if srv != nil || errCh != nil {
		t.Fatalf("StartServer(off) = %v, %v", srv, errCh)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	t.Parallel()

	NotificationsReceivedTotal.WithLabelValues("TestCategory").Inc()

	ts := httptest.NewServer(Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `flightdeck_notifications_received_total{category="TestCategory"}`) {
		t.Fatalf("metrics output missing counter:\n%s", body)
	}
}
