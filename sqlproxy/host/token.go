package host

import (
	"crypto/rand"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jmoiron/sqlx"
)

// TxClaims are the claims of a transaction token.
type TxClaims struct {
	TxID string `json:"txn"`
	jwt.RegisteredClaims
}

const tokenIssuer = "jaybird-host"

func newSecretKey() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, errors.Wrap(err, "failed to generate random token secret key")
	}
	return b, nil
}

// LoadSecretKey reads the token signing key at path, creating a random one
// when the file does not exist.
func LoadSecretKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "failed to read token secret key")
	}
	key, err = newSecretKey()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, errors.Wrap(err, "failed to write token secret key")
	}
	return key, nil
}

func (h *SQLHost) issueToken(txID string) (string, error) {
	claims := TxClaims{
		TxID: txID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   tokenIssuer,
			IssuedAt: jwt.NewNumericDate(time.Now().UTC()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.secret)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign transaction token")
	}
	return token, nil
}

// lookupTx verifies a transaction token and returns the transaction it names.
func (h *SQLHost) lookupTx(token string) (*sqlx.Tx, string, error) {
	var claims TxClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return h.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, "", errors.Wrap(err, "invalid transaction token")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.txs[claims.TxID]
	if !ok {
		return nil, "", errors.Newf("transaction not found: %s", claims.TxID)
	}
	return t.tx, claims.TxID, nil
}
