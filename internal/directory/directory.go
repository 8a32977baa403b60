// Package directory lists and buckets the addressable contacts for the
// new-conversation and group-member pickers.
package directory

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/lavoro-hq/chatsync/internal/model"
	"go.uber.org/zap"
)

// Lister is the contact source (the backend REST client).
type Lister interface {
	ListContacts(ctx context.Context, userID string) ([]model.Contact, error)
}

// Directory exposes the contact list grouped for display.
type Directory struct {
	userID string
	lister Lister
	logger *zap.Logger
}

// New creates a directory for the given user.
func New(userID string, l Lister, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{userID: userID, lister: l, logger: logger}
}

// List returns all contacts except the current user.
func (d *Directory) List(ctx context.Context) ([]model.Contact, error) {
	contacts, err := d.lister.ListContacts(ctx, d.userID)
	if err != nil {
		return nil, err
	}
	out := contacts[:0:0]
	for _, c := range contacts {
		if c.UserID == d.userID {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// BucketByFirstLetter groups contacts under the uppercased first letter
// of their display name. Contacts with no usable display name at all
// are skipped: they cannot be placed under any letter.
func BucketByFirstLetter(contacts []model.Contact) map[string][]model.Contact {
	buckets := make(map[string][]model.Contact)
	for _, c := range contacts {
		name := c.DisplayName()
		if name == "" {
			continue
		}
		letter := strings.ToUpper(string([]rune(name)[0]))
		buckets[letter] = append(buckets[letter], c)
	}
	for _, group := range buckets {
		sort.SliceStable(group, func(i, j int) bool {
			return strings.ToLower(group[i].DisplayName()) < strings.ToLower(group[j].DisplayName())
		})
	}
	return buckets
}

// SortedLetters returns bucket keys in display order: letters first,
// then digits and symbols.
func SortedLetters(buckets map[string][]model.Contact) []string {
	letters := make([]string, 0, len(buckets))
	for l := range buckets {
		letters = append(letters, l)
	}
	sort.Slice(letters, func(i, j int) bool {
		li, lj := []rune(letters[i])[0], []rune(letters[j])[0]
		ai, aj := unicode.IsLetter(li), unicode.IsLetter(lj)
		if ai != aj {
			return ai
		}
		return li < lj
	})
	return letters
}
