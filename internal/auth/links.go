package auth

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/vdavid/threadmail/internal/crypto"
)

const recordPrefix = "record:"

// AccessLinks builds and verifies the record links mailed to share users.
// The token seals the record reference, so it cannot be forged or edited.
type AccessLinks struct {
	enc     *crypto.Encryptor
	baseURL string
}

// NewAccessLinks creates a link builder for links under baseURL.
func NewAccessLinks(enc *crypto.Encryptor, baseURL string) *AccessLinks {
	return &AccessLinks{enc: enc, baseURL: strings.TrimRight(baseURL, "/")}
}

// AccessLink returns the /mail/view URL of a record.
func (l *AccessLinks) AccessLink(model string, resID int64) (string, error) {
	token, err := l.enc.SealToken(recordPrefix + model + ":" + strconv.FormatInt(resID, 10))
	if err != nil {
		return "", fmt.Errorf("failed to seal access token: %w", err)
	}
	return l.baseURL + "/mail/view?token=" + url.QueryEscape(token), nil
}

// Verify returns the record a token points to.
func (l *AccessLinks) Verify(token string) (string, int64, error) {
	payload, err := l.enc.OpenToken(token)
	if err != nil {
		return "", 0, err
	}
	ref, ok := strings.CutPrefix(payload, recordPrefix)
	if !ok {
		return "", 0, crypto.ErrInvalidToken
	}
	model, rawID, ok := strings.Cut(ref, ":")
	if !ok || model == "" {
		return "", 0, crypto.ErrInvalidToken
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return "", 0, crypto.ErrInvalidToken
	}
	return model, id, nil
}
