package mesh

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BioHazard786/warpmesh/internal/negotiation"
	"github.com/BioHazard786/warpmesh/internal/server"
	"github.com/BioHazard786/warpmesh/internal/signaling"
	"github.com/BioHazard786/warpmesh/internal/transport"
)

// Three clients meet in one room through a real relay and negotiate a full
// mesh, then one of them drops.
func TestMeshThroughRelay(t *testing.T) {
	hub := signaling.NewHub(signaling.NewRegistry(5), signaling.HubConfig{Logger: quietLogger()})
	srv := httptest.NewServer(server.NewRouter(server.Options{Hub: hub, Logger: quietLogger()}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	type member struct {
		conn   *transport.Client
		client *Client
		rec    *recorder
		errCh  <-chan error
	}
	members := make([]*member, 3)
	for i := range members {
		conn, err := transport.Dial(context.Background(), transport.Options{
			ServerURL: url,
			Msgpack:   i == 1,
			Logger:    quietLogger(),
		})
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		t.Cleanup(func() { conn.Close() })

		client, rec, errCh := startClient(t, conn)
		members[i] = &member{conn: conn, client: client, rec: rec, errCh: errCh}

		// Join one at a time so the roles are deterministic.
		if err := client.Join("r1"); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "join", func() bool { return client.Self() != "" })
	}

	for i, m := range members {
		waitFor(t, "full mesh", func() bool {
			peers := m.client.Table().Peers()
			if len(peers) != 2 {
				return false
			}
			for _, p := range peers {
				s := m.client.Table().Get(p)
				if s == nil || s.State() != negotiation.StateConnected {
					return false
				}
			}
			return true
		})
		// Earlier members answered, later members offered.
		for _, other := range members {
			if other == m {
				continue
			}
			s := m.client.Table().Get(other.client.Self())
			wantRole := negotiation.RoleAnswerer
			if indexOf(members, other) < i {
				wantRole = negotiation.RoleOfferer
			}
			if s.Role() != wantRole {
				t.Fatalf("member %d role toward %s = %s, want %s", i, other.client.Self(), s.Role(), wantRole)
			}
		}
	}

	gone := members[2]
	goneID := gone.client.Self()
	gone.conn.Close()

	for _, m := range members[:2] {
		waitFor(t, "peer left", func() bool {
			return m.client.Table().Get(goneID) == nil &&
				m.rec.has(func(ev Event) bool { return ev.Kind == EventPeerLeft && ev.Peer == goneID })
		})
		if m.client.Table().Len() != 1 {
			t.Fatalf("sessions = %v", m.client.Table().Peers())
		}
	}
}

func indexOf[T comparable](list []T, v T) int {
	for i, x := range list {
		if x == v {
			return i
		}
	}
	return -1
}
