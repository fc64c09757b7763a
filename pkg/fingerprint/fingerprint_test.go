package fingerprint

import (
	"net/http"
	"net/url"
	"testing"
)

func TestRequestFromFingerprint(t *testing.T) {
	origin, _ := url.Parse("https://trade.example.com")
	keyer := NewKeyer(origin)
	r, _ := http.NewRequest("GET", "/page?x=1#top", nil)
	fp, err := keyer.Fingerprint(r)
	if err != nil {
		t.Fatal(err)
	}
	if fp != "GET https://trade.example.com/page?x=1" {
		t.Fatalf("Fingerprint is %s", fp)
	}
	req, err := Request(fp)
	if err != nil {
		t.Fatalf("%s: %s", fp, err)
	}
	if url := req.URL.String(); url != "https://trade.example.com/page?x=1" {
		t.Fatalf("Created request url for fingerprint %s is %s", fp, url)
	}
}

func TestAbsoluteURLIsKept(t *testing.T) {
	origin, _ := url.Parse("https://trade.example.com")
	keyer := NewKeyer(origin)
	r, _ := http.NewRequest("GET", "https://API.binance.com/v3/ticker", nil)
	fp, _ := keyer.Fingerprint(r)
	if host := Host(fp); host != "api.binance.com" {
		t.Fatalf("Host of %s is %s", fp, host)
	}
}

func TestOnlyGetHasFingerprint(t *testing.T) {
	keyer := NewKeyer(nil)
	for _, method := range []string{"POST", "PUT", "DELETE", "HEAD"} {
		r, _ := http.NewRequest(method, "https://trade.example.com/api/trades", nil)
		if _, err := keyer.Fingerprint(r); err != ErrorMethodNotSupported {
			t.Fatalf("%s fingerprint error is %v", method, err)
		}
	}
	if _, err := URL("POST https://trade.example.com/"); err != ErrorMethodNotSupported {
		t.Fatalf("URL error is %v", err)
	}
	if _, err := URL("garbage"); err == nil {
		t.Fatal("Malformed fingerprint accepted")
	}
}
