package auth

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Credential is the opaque bearer credential handed to the chat subsystem.
// Only the identity claim is ever read from it; the signature is the
// server's business.
type Credential struct {
	UserID      string
	AccessToken string
}

// ErrNoIdentity is returned when neither an explicit identity nor a subject
// claim is available.
var ErrNoIdentity = errors.New("no user identity available")

// LoginPasteToken prompts on w and reads a single token line from r.
func LoginPasteToken(w io.Writer, r io.Reader) (string, error) {
	fmt.Fprintln(w, "Paste your access token from the team console:")
	fmt.Fprint(w, "> ")

	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("reading token: %w", err)
		}
		return "", errors.New("no input received")
	}

	token := strings.TrimSpace(scanner.Text())
	if token == "" {
		return "", errors.New("token cannot be empty")
	}
	return token, nil
}

// IdentityFromToken returns the subject claim of a JWT without verifying it.
func IdentityFromToken(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parsing token: %w", err)
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("reading subject: %w", err)
	}
	if strings.TrimSpace(sub) == "" {
		return "", ErrNoIdentity
	}
	return sub, nil
}

// Resolve builds a Credential from an explicit user id and token. When userID
// is empty the token's subject claim is used.
func Resolve(userID, token string) (*Credential, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("token cannot be empty")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		sub, err := IdentityFromToken(token)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoIdentity, err)
		}
		userID = sub
	}
	return &Credential{UserID: userID, AccessToken: token}, nil
}
