package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/matterdesk/protoflow/pkg/schema"
)

// Latest returns the highest published version of the named protocol.
func (s *FS) Latest(ctx context.Context, name string) (*schema.Protocol, error) {
	versions, err := s.Versions(name)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("protocol %q not found", name)
	}
	return s.Version(ctx, name, versions[len(versions)-1])
}

// Version loads one specific protocol version.
func (s *FS) Version(ctx context.Context, name string, version int) (*schema.Protocol, error) {
	path := s.protocolPath(name, version)
	p, err := schema.LoadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("protocol %q v%d not found", name, version)
		}
		return nil, err
	}
	return p, nil
}

// Versions lists the published versions of a protocol, ascending.
func (s *FS) Versions(name string) ([]int, error) {
	dir := filepath.Join(s.BaseDir, "protocols", name)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list protocol versions: %w", err)
	}

	var versions []int
	for _, e := range entries {
		base := strings.TrimSuffix(e.Name(), ".yaml")
		if !strings.HasPrefix(base, "v") {
			continue
		}
		if v, err := strconv.Atoi(base[1:]); err == nil {
			versions = append(versions, v)
		}
	}
	sort.Ints(versions)
	return versions, nil
}

// Publish writes a new protocol version. Versions are immutable: publishing
// over an existing version is an error, bump the version instead.
func (s *FS) Publish(ctx context.Context, p *schema.Protocol) error {
	if errs := schema.Validate(p); errs != nil {
		return fmt.Errorf("protocol %q v%d is invalid: %s", p.Metadata.Name, p.Metadata.Version, errs[0].Error())
	}

	path := s.protocolPath(p.Metadata.Name, p.Metadata.Version)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("protocol %q v%d already published", p.Metadata.Name, p.Metadata.Version)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create protocol dir: %w", err)
	}

	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal protocol: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write protocol: %w", err)
	}
	return nil
}

// ProtocolNames lists every protocol with at least one published version.
func (s *FS) ProtocolNames() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.BaseDir, "protocols"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list protocols: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *FS) protocolPath(name string, version int) string {
	return filepath.Join(s.BaseDir, "protocols", name, fmt.Sprintf("v%d.yaml", version))
}
