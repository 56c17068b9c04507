package discovery

import (
	"reflect"
	"testing"
)

func TestPeer_String(t *testing.T) {
	peer := &Peer{
		Instance: "lab",
		Hostname: "lab-pi.local.",
		IP:       "192.168.4.16",
		Port:     8080,
	}

	expected := "lab (lab-pi.local.) at 192.168.4.16:8080"
	if peer.String() != expected {
		t.Errorf("Peer.String() = %v, want %v", peer.String(), expected)
	}
}

func TestPeer_URL(t *testing.T) {
	tests := []struct {
		name     string
		peer     *Peer
		expected string
	}{
		{
			name:     "no path advertised",
			peer:     &Peer{IP: "192.168.4.16", Port: 80},
			expected: "ws://192.168.4.16:80/",
		},
		{
			name:     "path advertised",
			peer:     &Peer{IP: "10.0.0.5", Port: 8080, Metadata: map[string]string{"path": "/chat"}},
			expected: "ws://10.0.0.5:8080/chat",
		},
		{
			name:     "path without slash",
			peer:     &Peer{IP: "10.0.0.5", Port: 8080, Metadata: map[string]string{"path": "chat"}},
			expected: "ws://10.0.0.5:8080/chat",
		},
		{
			name:     "IPv6",
			peer:     &Peer{IP: "fe80::1", Port: 9000},
			expected: "ws://[fe80::1]:9000/",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.peer.URL(); got != tt.expected {
				t.Errorf("Peer.URL() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestPeer_Protocols(t *testing.T) {
	peer := &Peer{Metadata: map[string]string{"protocols": "chat.v2, chat.v1,,"}}
	want := []string{"chat.v2", "chat.v1"}
	if got := peer.Protocols(); !reflect.DeepEqual(got, want) {
		t.Errorf("Peer.Protocols() = %v, want %v", got, want)
	}

	if got := (&Peer{}).Protocols(); got != nil {
		t.Errorf("Peer.Protocols() without metadata = %v, want nil", got)
	}
}

func TestPeer_GetMetadata(t *testing.T) {
	peer := &Peer{
		Metadata: map[string]string{
			"path":    "/",
			"version": "1.0.0",
		},
	}

	if got := peer.GetMetadata("version"); got != "1.0.0" {
		t.Errorf("GetMetadata(version) = %q, want %q", got, "1.0.0")
	}
	if got := peer.GetMetadata("missing"); got != "" {
		t.Errorf("GetMetadata(missing) = %q, want empty", got)
	}
	if got := (&Peer{}).GetMetadata("path"); got != "" {
		t.Errorf("GetMetadata on nil metadata = %q, want empty", got)
	}
}
