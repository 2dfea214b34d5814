package aaa

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	userPath    = "/user-manage/user"
	sessionPath = "/user-manage/session"
)

// RemoteUser is an AAA user record.
type RemoteUser struct {
	ID    string `json:".id"`
	Name  string `json:"name"`
	Group string `json:"group"`
}

// RemoteSession is an active AAA session.
type RemoteSession struct {
	ID         string  `json:".id"`
	User       string  `json:"user"`
	Address    string  `json:"user-address"`
	MAC        string  `json:"calling-station-id"`
	NASAddress string  `json:"nas-address"`
	Uptime     string  `json:"uptime"`
	Download   Counter `json:"download"`
	Upload     Counter `json:"upload"`
}

// UserPatch is a partial user update. Empty fields are left unchanged.
type UserPatch struct {
	Group    string `json:"group,omitempty"`
	Name     string `json:"name,omitempty"`
	Password string `json:"password,omitempty"`
}

// Counter is a byte counter that the AAA API may encode as a number or a
// quoted string.
type Counter int64

// UnmarshalJSON accepts 123, "123" and "".
func (c *Counter) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*c = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid counter %q: %w", s, err)
	}
	*c = Counter(n)
	return nil
}

// MarshalJSON encodes the counter as a number.
func (c Counter) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(c))
}

// --- Single-endpoint operations ---

// LookupUser fetches a user by name.
func (c *Client) LookupUser(ctx context.Context, username string) (*RemoteUser, error) {
	var user RemoteUser
	if err := c.Do(ctx, http.MethodGet, userPath+"/"+url.PathEscape(username), nil, &user); err != nil {
		return nil, err
	}
	if user.ID == "" {
		user.ID = username
	}
	return &user, nil
}

// PatchUser applies a partial update to the user with the given id.
func (c *Client) PatchUser(ctx context.Context, id string, patch UserPatch) error {
	return c.Do(ctx, http.MethodPatch, userPath+"/"+url.PathEscape(id), patch, nil)
}

// FindSession returns the active session of a user.
func (c *Client) FindSession(ctx context.Context, username string) (*RemoteSession, error) {
	var sessions []RemoteSession
	if err := c.Do(ctx, http.MethodGet, sessionPath+"?user="+url.QueryEscape(username), nil, &sessions); err != nil {
		return nil, err
	}
	for i := range sessions {
		if sessions[i].User == username {
			return &sessions[i], nil
		}
	}
	return nil, fmt.Errorf("session for %s: %w", username, ErrNotFound)
}

// DeleteSession terminates a session by id.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.Do(ctx, http.MethodDelete, sessionPath+"/"+url.PathEscape(id), nil, nil)
}

// ListUsers returns every user on the endpoint.
func (c *Client) ListUsers(ctx context.Context) ([]RemoteUser, error) {
	var users []RemoteUser
	if err := c.Do(ctx, http.MethodGet, userPath, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// ListSessions returns every active session on the endpoint.
func (c *Client) ListSessions(ctx context.Context) ([]RemoteSession, error) {
	var sessions []RemoteSession
	if err := c.Do(ctx, http.MethodGet, sessionPath, nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// --- Multi-endpoint operations ---

// LookupUser returns the user from the first endpoint that has it.
func (d *Dispatcher) LookupUser(ctx context.Context, username string) (*RemoteUser, string, error) {
	var user *RemoteUser
	endpoint, err := d.First(ctx, "lookup user", func(ctx context.Context, c *Client) error {
		u, err := c.LookupUser(ctx, username)
		if err != nil {
			return err
		}
		user = u
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return user, endpoint, nil
}

// PatchUser applies patch on every endpoint.
func (d *Dispatcher) PatchUser(ctx context.Context, id string, patch UserPatch) *FanoutResult {
	return d.All(ctx, "patch user", func(ctx context.Context, c *Client) error {
		return c.PatchUser(ctx, id, patch)
	})
}

// KillSession terminates the user's session on the endpoint that reports
// it. The returned session is nil when no endpoint has one.
func (d *Dispatcher) KillSession(ctx context.Context, username string) (*RemoteSession, string, error) {
	var session *RemoteSession
	endpoint, err := d.First(ctx, "kill session", func(ctx context.Context, c *Client) error {
		s, err := c.FindSession(ctx, username)
		if err != nil {
			return err
		}
		session = s
		if err := c.DeleteSession(ctx, s.ID); err != nil {
			return fmt.Errorf("delete session %s: %w", s.ID, err)
		}
		return nil
	})
	return session, endpoint, err
}

// Snapshot is the merged view of users and sessions across endpoints.
type Snapshot struct {
	Users    map[string]RemoteUser    // by name
	Sessions map[string]RemoteSession // by user
	Failed   []Attempt
}

// Snapshot fetches users and sessions from every endpoint. Earlier
// endpoints win on conflicts. It fails only if no endpoint answered.
func (d *Dispatcher) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		Users:    make(map[string]RemoteUser),
		Sessions: make(map[string]RemoteSession),
	}

	users := d.All(ctx, "list users", func(ctx context.Context, c *Client) error {
		list, err := c.ListUsers(ctx)
		if err != nil {
			return err
		}
		for _, u := range list {
			if _, seen := snap.Users[u.Name]; !seen {
				snap.Users[u.Name] = u
			}
		}
		return nil
	})
	if err := users.Err(); err != nil {
		return nil, err
	}

	sessions := d.All(ctx, "list sessions", func(ctx context.Context, c *Client) error {
		list, err := c.ListSessions(ctx)
		if err != nil {
			return err
		}
		for _, s := range list {
			if _, seen := snap.Sessions[s.User]; !seen {
				snap.Sessions[s.User] = s
			}
		}
		return nil
	})
	if err := sessions.Err(); err != nil {
		return nil, err
	}

	snap.Failed = append(snap.Failed, users.Failed...)
	snap.Failed = append(snap.Failed, sessions.Failed...)
	return snap, nil
}
