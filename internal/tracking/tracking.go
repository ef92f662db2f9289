// Package tracking issues and parses the human-shareable identifiers bound to
// wallets, products, stores and orders.
//
// Format: PREFIX-YYYY-XXXXXX (e.g. WLT-2024-K7M2QX). The format is part of the
// public contract; identifiers issued by earlier clients used a base36 suffix
// and must keep parsing.
package tracking

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrMalformed     = errors.New("malformed tracking id")
	ErrUnknownPrefix = errors.New("unknown tracking id prefix")
	ErrIDExhausted   = errors.New("tracking id collision budget exhausted")
	ErrTaken         = errors.New("tracking id already taken")
)

// EntityType is the namespace a tracking ID belongs to.
type EntityType uint8

const (
	Wallet EntityType = iota + 1
	Product
	Store
	Order
)

// EntityTypes lists every namespace, in lookup fan-out order.
var EntityTypes = []EntityType{Wallet, Product, Store, Order}

// SuffixLength is the number of random characters in an ID.
const SuffixLength = 6

// Prefix returns the three-letter prefix for the entity type.
func (t EntityType) Prefix() string {
	switch t {
	case Wallet:
		return "WLT"
	case Product:
		return "PRD"
	case Store:
		return "STO"
	case Order:
		return "ORD"
	}
	return ""
}

func (t EntityType) String() string {
	switch t {
	case Wallet:
		return "wallet"
	case Product:
		return "product"
	case Store:
		return "store"
	case Order:
		return "order"
	}
	return "unknown"
}

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	return t.Prefix() != ""
}

// TypeForPrefix maps a prefix back to its entity type.
func TypeForPrefix(prefix string) (EntityType, bool) {
	switch strings.ToUpper(prefix) {
	case "WLT":
		return Wallet, true
	case "PRD":
		return Product, true
	case "STO":
		return Store, true
	case "ORD":
		return Order, true
	}
	return 0, false
}

// ID is a parsed tracking identifier.
type ID struct {
	Type   EntityType
	Year   int
	Suffix string
}

// String renders the ID in its canonical PREFIX-YYYY-XXXXXX form.
func (id ID) String() string {
	return fmt.Sprintf("%s-%04d-%s", id.Type.Prefix(), id.Year, id.Suffix)
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id.Type == 0 && id.Year == 0 && id.Suffix == ""
}

// Parse parses a tracking ID. Input is case-insensitive and surrounding
// whitespace is ignored. Suffixes from the legacy base36 alphabet are accepted.
func Parse(s string) (ID, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	parts := strings.Split(s, "-")
	if len(parts) != 3 {
		return ID{}, ErrMalformed
	}

	t, ok := TypeForPrefix(parts[0])
	if !ok {
		return ID{}, fmt.Errorf("%w: %q", ErrUnknownPrefix, parts[0])
	}

	if len(parts[1]) != 4 {
		return ID{}, ErrMalformed
	}
	year, err := strconv.Atoi(parts[1])
	if err != nil || year < 2000 {
		return ID{}, ErrMalformed
	}

	if len(parts[2]) != SuffixLength || !isBase36(parts[2]) {
		return ID{}, ErrMalformed
	}

	return ID{Type: t, Year: year, Suffix: parts[2]}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// ParseAs parses s and checks it belongs to the expected namespace.
func ParseAs(t EntityType, s string) (ID, error) {
	id, err := Parse(s)
	if err != nil {
		return ID{}, err
	}
	if id.Type != t {
		return ID{}, fmt.Errorf("%w: want %s, got %s", ErrMalformed, t.Prefix(), id.Type.Prefix())
	}
	return id, nil
}

func isBase36(s string) bool {
	for _, c := range s {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
