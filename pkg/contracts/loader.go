package contracts

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/slrpd/pkg/session"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	ErrNotMapping     = errors.New("document root is not a mapping")
	ErrSchemaMismatch = errors.New("document does not match schema")
)

// FileName returns the file a document kind is read from.
func FileName(k Kind) string {
	return string(k) + ".yaml"
}

// Load reads and validates all four documents from dir. Any failure is a
// *ContractLoadError.
func Load(dir string) (*Contracts, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, &ContractLoadError{Kind: "schema", Err: err}
	}

	c := &Contracts{
		DP:       &DestinationProfile{},
		SE:       &SafeEnvelope{},
		CS:       &CapabilitySpec{},
		TAC:      &TrustAuditContract{},
		Dir:      dir,
		LoadedAt: time.Now().UTC(),
	}
	targets := map[Kind]any{
		KindDestinationProfile: c.DP,
		KindSafeEnvelope:       c.SE,
		KindCapabilitySpec:     c.CS,
		KindTrustAudit:         c.TAC,
	}

	for _, k := range Kinds() {
		path := filepath.Join(dir, FileName(k))
		if err := loadDocument(path, schemas[k], targets[k]); err != nil {
			return nil, &ContractLoadError{Kind: k, Path: path, Err: err}
		}
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func loadDocument(path string, schema *jsonschema.Schema, target any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	var root any
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	mapping, ok := root.(map[string]any)
	if !ok {
		return ErrNotMapping
	}

	// Round-trip through JSON so the validator sees JSON-native types.
	asJSON, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("convert to json: %w", err)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(asJSON))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("convert to json: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}

	if err := yaml.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func compileSchemas() (map[Kind]*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	out := make(map[Kind]*jsonschema.Schema, 4)
	for _, k := range Kinds() {
		name := "schemas/" + string(k) + ".schema.json"
		data, err := schemaFS.ReadFile(name)
		if err != nil {
			return nil, err
		}
		url := "mem://" + name
		if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		out[k] = s
	}
	return out, nil
}

// validate checks cross-field rules the schemas cannot express.
func (c *Contracts) validate() error {
	versions := map[Kind]string{
		KindDestinationProfile: c.DP.Version,
		KindSafeEnvelope:       c.SE.Version,
		KindCapabilitySpec:     c.CS.Version,
		KindTrustAudit:         c.TAC.Version,
	}
	parsed := make(map[Kind]*semver.Version, len(versions))
	for _, k := range Kinds() {
		v, err := semver.NewVersion(versions[k])
		if err != nil {
			return &ContractLoadError{Kind: k, Err: fmt.Errorf("version %q: %w", versions[k], err)}
		}
		parsed[k] = v
	}

	if c.TAC.MinContractVersion != "" {
		constraint, err := semver.NewConstraint(">= " + c.TAC.MinContractVersion)
		if err != nil {
			return &ContractLoadError{Kind: KindTrustAudit, Err: fmt.Errorf("min_contract_version: %w", err)}
		}
		for _, k := range Kinds() {
			if !constraint.Check(parsed[k]) {
				return &ContractLoadError{Kind: k, Err: fmt.Errorf("version %s below required %s", parsed[k], c.TAC.MinContractVersion)}
			}
		}
	}

	c.TAC.requiredEvents = make(map[session.Stage][]string, len(c.TAC.RequiredEventsRaw))
	for name, events := range c.TAC.RequiredEventsRaw {
		st, err := session.ParseStage(name)
		if err != nil {
			return &ContractLoadError{Kind: KindTrustAudit, Err: fmt.Errorf("required_events: %w", err)}
		}
		c.TAC.requiredEvents[st] = append([]string(nil), events...)
	}

	if err := c.SE.compileGuards(); err != nil {
		return &ContractLoadError{Kind: KindSafeEnvelope, Err: err}
	}
	return nil
}
