package provider

import (
	"encoding/json"
	"io"
	"sync"
)

// credentialLine is the single JSON line written to an agent's stdin right
// after launch. The agent reads exactly one line and then expects stdin to
// be closed.
type credentialLine struct {
	User                 string `json:"user"`
	Password             string `json:"password"`
	LeapProviderHostname string `json:"leap_provider_hostname"`
}

func writeCredentialLine(w io.Writer, user, password, provider string) error {
	data, err := json.Marshal(credentialLine{
		User:                 user,
		Password:             password,
		LeapProviderHostname: provider,
	})
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// credentialStore holds staged credentials between authentication and the
// next agent start. Entries are removed on delivery; passwords never touch
// disk.
type credentialStore struct {
	mu sync.Mutex
	m  map[string]string
}

func (c *credentialStore) put(name, password string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = make(map[string]string)
	}
	c.m[name] = password
}

func (c *credentialStore) take(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	password, ok := c.m[name]
	if ok {
		delete(c.m, name)
	}
	return password, ok
}

func (c *credentialStore) drop(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, name)
}
