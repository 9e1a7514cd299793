package remote

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/crypto/ssh"
)

// ValidateKeyFile checks that path names a readable regular file. Each failure
// is reported as a *CredentialError with a distinct reason.
func ValidateKeyFile(path string) error {
	if path == "" {
		return &CredentialError{Path: path, Reason: CredentialNotFound, Err: errors.New("no key file given")}
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &CredentialError{Path: path, Reason: CredentialNotFound}
		}
		return &CredentialError{Path: path, Reason: CredentialUnreadable, Err: err}
	}
	if info.IsDir() {
		return &CredentialError{Path: path, Reason: CredentialIsDirectory}
	}
	if err := checkReadable(path); err != nil {
		return &CredentialError{Path: path, Reason: CredentialUnreadable, Err: err}
	}
	return nil
}

// LoadSigner reads and parses the private key at path.
func LoadSigner(path string) (ssh.Signer, error) {
	if err := ValidateKeyFile(path); err != nil {
		return nil, err
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, &CredentialError{Path: path, Reason: CredentialUnreadable, Err: err}
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, &CredentialError{Path: path, Reason: CredentialPassphrase}
		}
		return nil, &CredentialError{Path: path, Reason: CredentialInvalidKey, Err: fmt.Errorf("parse private key: %w", err)}
	}
	return signer, nil
}
