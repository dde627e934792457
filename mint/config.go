package mint

import (
	"errors"
	"fmt"
	"io"

	"github.com/elnosh/gonuts-mint/cashu"
	"github.com/elnosh/gonuts-mint/cashu/nuts/nut04"
	"github.com/elnosh/gonuts-mint/cashu/nuts/nut06"
	"github.com/elnosh/gonuts-mint/mint/storage"
)

type LogLevel int

const (
	Info LogLevel = iota
	Debug
	Disable
)

// DefaultSerializationRetries is the number of retries the server
// binary configures when SERIALIZATION_RETRIES is not set.
const DefaultSerializationRetries = 3

type Config[M, U cashu.Identifier] struct {
	DB storage.MintDB
	// Seed from which every keyset of the mint is derived.
	Seed []byte
	// Unit of the active keyset created when the mint has none.
	Unit      U
	ParseUnit func(string) (U, error)
	// fee for the keyset created on first start
	InputFeePpk uint
	Settings    nut04.Settings[M, U]
	// SerializationRetries is how many times a mint request is rerun
	// after a serialization conflict. 0, the zero value, disables
	// retrying. Callers wanting retries set DefaultSerializationRetries.
	SerializationRetries int
	MintInfo             MintInfo
	LogLevel             LogLevel
	// LogWriter defaults to os.Stdout.
	LogWriter io.Writer
}

type MintInfo struct {
	Name            string
	Pubkey          string
	Description     string
	LongDescription string
	Contact         []nut06.ContactInfo
	Motd            string
	IconURL         string
	URLs            []string
}

func (config Config[M, U]) validate() error {
	if config.DB == nil {
		return errors.New("mint db is required")
	}
	if len(config.Seed) == 0 {
		return errors.New("mint seed is required")
	}
	if config.ParseUnit == nil {
		return errors.New("unit parser is required")
	}
	if config.SerializationRetries < 0 {
		return errors.New("serialization retries cannot be negative")
	}
	for _, setting := range config.Settings.Methods {
		if setting.MaxAmount > 0 && setting.MinAmount > setting.MaxAmount {
			return fmt.Errorf("min amount for '%v' '%v' is greater than max amount", setting.Method, setting.Unit)
		}
	}
	return nil
}
