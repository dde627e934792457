// Package nut06 contains structs as defined in [NUT-06]
//
// [NUT-06]: https://github.com/cashubtc/nuts/blob/main/06.md
package nut06

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/elnosh/gonuts-mint/cashu"
	"github.com/elnosh/gonuts-mint/cashu/nuts/nut04"
)

var ErrInvalidMintVersion = errors.New("invalid mint version")

// MintVersion is the implementation name and version
// advertised as "name/version".
type MintVersion struct {
	Name    string
	Version string
}

func EncodeMintVersion(v MintVersion) (string, error) {
	if v.Name == "" || v.Version == "" ||
		strings.Contains(v.Name, "/") || strings.Contains(v.Version, "/") {
		return "", fmt.Errorf("%w: '%v/%v'", ErrInvalidMintVersion, v.Name, v.Version)
	}
	return v.Name + "/" + v.Version, nil
}

func DecodeMintVersion(s string) (MintVersion, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return MintVersion{}, fmt.Errorf("%w: '%v'", ErrInvalidMintVersion, s)
	}
	return MintVersion{Name: parts[0], Version: parts[1]}, nil
}

func (v MintVersion) String() string {
	return v.Name + "/" + v.Version
}

func (v MintVersion) MarshalJSON() ([]byte, error) {
	s, err := EncodeMintVersion(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

func (v *MintVersion) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	decoded, err := DecodeMintVersion(s)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

type ContactInfo struct {
	Method string `json:"method"`
	Info   string `json:"info"`
}

type Supported struct {
	Supported bool `json:"supported"`
}

type NutsSettings[M, U cashu.Identifier] struct {
	Nut04 nut04.Settings[M, U] `json:"4"`
	Nut07 Supported            `json:"7"`
	Nut08 Supported            `json:"8"`
	Nut09 Supported            `json:"9"`
	Nut10 Supported            `json:"10"`
	Nut11 Supported            `json:"11"`
	Nut12 Supported            `json:"12"`
}

type MintInfo[M, U cashu.Identifier] struct {
	Name            string             `json:"name"`
	Pubkey          string             `json:"pubkey,omitempty"`
	Version         *MintVersion       `json:"version,omitempty"`
	Description     string             `json:"description,omitempty"`
	LongDescription string             `json:"description_long,omitempty"`
	Contact         []ContactInfo      `json:"contact,omitempty"`
	Motd            string             `json:"motd,omitempty"`
	IconURL         string             `json:"icon_url,omitempty"`
	URLs            []string           `json:"urls,omitempty"`
	Time            int64              `json:"time,omitempty"`
	Nuts            NutsSettings[M, U] `json:"nuts"`
}

// MissingFieldsError lists every required field that was not set.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return "mint info missing required fields: " + strings.Join(e.Fields, ", ")
}

// InfoBuilder aggregates the mint info advertised to wallets.
type InfoBuilder[M, U cashu.Identifier] struct {
	info    MintInfo[M, U]
	nut04   *nut04.Settings[M, U]
	version *MintVersion
}

func NewInfoBuilder[M, U cashu.Identifier]() *InfoBuilder[M, U] {
	return &InfoBuilder[M, U]{}
}

func (b *InfoBuilder[M, U]) Name(name string) *InfoBuilder[M, U] {
	b.info.Name = name
	return b
}

func (b *InfoBuilder[M, U]) Pubkey(pubkey string) *InfoBuilder[M, U] {
	b.info.Pubkey = pubkey
	return b
}

func (b *InfoBuilder[M, U]) Version(version MintVersion) *InfoBuilder[M, U] {
	b.version = &version
	return b
}

func (b *InfoBuilder[M, U]) Description(description, long string) *InfoBuilder[M, U] {
	b.info.Description = description
	b.info.LongDescription = long
	return b
}

func (b *InfoBuilder[M, U]) Contact(contact ...ContactInfo) *InfoBuilder[M, U] {
	b.info.Contact = append(b.info.Contact, contact...)
	return b
}

func (b *InfoBuilder[M, U]) Motd(motd string) *InfoBuilder[M, U] {
	b.info.Motd = motd
	return b
}

func (b *InfoBuilder[M, U]) IconURL(url string) *InfoBuilder[M, U] {
	b.info.IconURL = url
	return b
}

func (b *InfoBuilder[M, U]) URLs(urls ...string) *InfoBuilder[M, U] {
	b.info.URLs = append(b.info.URLs, urls...)
	return b
}

func (b *InfoBuilder[M, U]) Nut04(settings nut04.Settings[M, U]) *InfoBuilder[M, U] {
	b.nut04 = &settings
	return b
}

// Build returns the mint info or a *MissingFieldsError naming
// every required field (name, version, nut04) not provided.
func (b *InfoBuilder[M, U]) Build() (MintInfo[M, U], error) {
	var missing []string
	if b.info.Name == "" {
		missing = append(missing, "name")
	}
	if b.version == nil {
		missing = append(missing, "version")
	} else if _, err := EncodeMintVersion(*b.version); err != nil {
		return MintInfo[M, U]{}, err
	}
	if b.nut04 == nil {
		missing = append(missing, "nut04")
	}
	if len(missing) > 0 {
		return MintInfo[M, U]{}, &MissingFieldsError{Fields: missing}
	}

	info := b.info
	version := *b.version
	info.Version = &version
	info.Nuts = NutsSettings[M, U]{Nut04: *b.nut04}
	return info, nil
}
