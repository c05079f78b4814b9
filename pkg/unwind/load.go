package unwind

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"

	"gopkg.in/yaml.v2"
)

// Load decodes a program from its YAML form. JSON documents are accepted
// as well since they are valid YAML.
func Load(r io.Reader) (*Program, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var p Program
	if err := yaml.UnmarshalStrict(data, &p); err != nil {
		return nil, fmt.Errorf("could not decode unwind program: %w", err)
	}
	return &p, nil
}

// LoadFile reads the program stored at path.
func LoadFile(path string) (*Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	p, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}
