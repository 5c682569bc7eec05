package signature

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Overrides replaces built-in signatures by name. Loaded from a file like:
//
//	signatures:
//	  FOV: "41 0F ?? ?? F3 0F ?? ??"
type Overrides map[string]Signature

type overrideFile struct {
	Signatures map[string]string `yaml:"signatures"`
}

// LoadOverrides reads path. A missing file is not an error and yields no overrides.
func LoadOverrides(path string) (Overrides, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Overrides{}, nil
		}
		return nil, err
	}
	defer f.Close()
	return ReadOverrides(f)
}

func ReadOverrides(r io.Reader) (Overrides, error) {
	var file overrideFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("could not parse signature overrides: %w", err)
	}

	o := make(Overrides, len(file.Signatures))
	for name, text := range file.Signatures {
		sig, err := Parse(text)
		if err != nil {
			return nil, fmt.Errorf("signature %q: %w", name, err)
		}
		o[name] = sig
	}
	return o, nil
}

// Lookup returns the override for name, or def.
func (o Overrides) Lookup(name string, def Signature) Signature {
	if sig, ok := o[name]; ok {
		return sig
	}
	return def
}
