package e2e

import (
	"encoding/json"
	"net/http"
	"testing"
)

func TestE2E_HealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(baseURL + path)
		if err != nil {
			t.Fatalf("request to %s failed: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}

func TestE2E_ConfigExposesAllowedAuthMethods(t *testing.T) {
	resp, err := http.Get(baseURL + "/ssh/config")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var cfg struct {
		AllowedAuthMethods  []string `json:"allowedAuthMethods"`
		HostKeyVerification struct {
			Mode string `json:"mode"`
		} `json:"hostKeyVerification"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(cfg.AllowedAuthMethods) == 0 {
		t.Error("expected at least one allowed auth method")
	}
}

func TestE2E_HostGetWithoutCredentialsChallengesBasicAuth(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, baseURL+"/ssh/host/unreachable.invalid", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Error("expected WWW-Authenticate challenge header")
	}
}

func TestE2E_RootMintsSessionCookie(t *testing.T) {
	resp, err := http.Get(baseURL + "/ssh/")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var found bool
	for _, c := range resp.Cookies() {
		if c.Name == "webssh2.sid" {
			found = true
		}
	}
	if !found {
		t.Error("expected root request to mint a webssh2.sid cookie")
	}
}
