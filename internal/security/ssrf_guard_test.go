package security

import (
	"testing"
	"time"
)

func TestValidateURL_AllowsPublicHTTPS(t *testing.T) {
	g := NewSSRFGuard()

	if err := g.ValidateURL("https://gnews.io/api/v4/search"); err != nil {
		t.Errorf("公開HTTPSのURLは許可されるべき: %v", err)
	}
}

func TestValidateURL_RejectsEmptyURL(t *testing.T) {
	g := NewSSRFGuard()

	if err := g.ValidateURL(""); err == nil {
		t.Error("空URLは拒否されるべき")
	}
}

func TestValidateURL_RejectsDisallowedScheme(t *testing.T) {
	g := NewSSRFGuard()

	for _, u := range []string{"file:///etc/passwd", "ftp://example.com/x", "gopher://example.com"} {
		if err := g.ValidateURL(u); err == nil {
			t.Errorf("%s は拒否されるべき", u)
		}
	}
}

func TestValidateURL_RejectsPrivateIPs(t *testing.T) {
	g := NewSSRFGuard()

	blocked := []string{
		"http://10.0.0.1/",
		"http://172.16.0.1/",
		"http://192.168.1.1/",
		"http://127.0.0.1/",
		"http://169.254.169.254/latest/meta-data",
		"http://[::1]/",
	}
	for _, u := range blocked {
		if err := g.ValidateURL(u); err == nil {
			t.Errorf("%s は拒否されるべき", u)
		}
	}
}

func TestValidateURL_RejectsLocalhost(t *testing.T) {
	g := NewSSRFGuard()

	if err := g.ValidateURL("http://localhost:8080/"); err == nil {
		t.Error("localhostは拒否されるべき")
	}
}

func TestNewSafeClient_ReturnsClient(t *testing.T) {
	g := NewSSRFGuard()

	client := g.NewSafeClient(5*time.Second, 1024)
	if client == nil {
		t.Fatal("NewSafeClient は nil を返してはならない")
	}
}
