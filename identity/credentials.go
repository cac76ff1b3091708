package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Credentials are the tokens held for one OAuth client.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	ClientID     string    `json:"client_id"`
}

// credentialFile is the on-disk layout; one file may serve several clients.
type credentialFile struct {
	Tokens map[string]*Credentials `json:"tokens"` // key = client_id
}

// CredentialFile persists Credentials for a client, merging with other clients' entries.
type CredentialFile struct {
	Path string
}

// Load returns the credentials stored for clientID.
func (f CredentialFile) Load(clientID string) (*Credentials, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, err
	}

	var file credentialFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse credential file: %w", err)
	}

	creds, ok := file.Tokens[clientID]
	if !ok || creds == nil {
		return nil, fmt.Errorf("no credentials for client_id %s: %w", clientID, ErrNoPrincipal)
	}
	return creds, nil
}

// Save writes creds under creds.ClientID, keeping entries of other clients.
func (f CredentialFile) Save(creds *Credentials) error {
	if creds.ClientID == "" {
		return errors.New("credentials have no client_id")
	}
	return f.update(func(tokens map[string]*Credentials) {
		tokens[creds.ClientID] = creds
	})
}

// Remove deletes the entry for clientID. A missing file is not an error.
func (f CredentialFile) Remove(clientID string) error {
	if _, err := os.Stat(f.Path); os.IsNotExist(err) {
		return nil
	}
	return f.update(func(tokens map[string]*Credentials) {
		delete(tokens, clientID)
	})
}

// update applies fn to the token map under the cross-process lock and writes atomically.
func (f CredentialFile) update(fn func(map[string]*Credentials)) (err error) {
	lock, err := lockCredentials(f.Path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if unlockErr := lock.unlock(); unlockErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to release lock: %w", unlockErr))
		}
	}()

	var file credentialFile
	if existing, err := os.ReadFile(f.Path); err == nil {
		// A corrupt file is replaced rather than blocking sign-in forever.
		_ = json.Unmarshal(existing, &file)
	}
	if file.Tokens == nil {
		file.Tokens = make(map[string]*Credentials)
	}

	fn(file.Tokens)

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}

	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		if rmErr := os.Remove(tmp); rmErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				rmErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
