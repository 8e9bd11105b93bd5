package status

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"storyline/internal/domain"
	"storyline/internal/fsutil"
)

const (
	sectionKey = "development_status"
	reasonsKey = "blocked_reasons"
)

// DefaultLocations are probed in order, relative to the project root, when no
// explicit path is configured.
var DefaultLocations = []string{
	filepath.Join("_bmad-output", "implementation-artifacts", "sprint-status.yaml"),
	filepath.Join("docs", "sprint-status.yaml"),
}

// Locate returns the explicit path when set, otherwise the first default
// location that exists under root.
func Locate(root, explicit string) (string, error) {
	if explicit != "" {
		p := explicit
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("%w: %s", ErrNotFound, p)
			}
			return "", err
		}
		return p, nil
	}
	for _, rel := range DefaultLocations {
		p := filepath.Join(root, rel)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w under %s (looked in %s)", ErrNotFound, root, strings.Join(DefaultLocations, ", "))
}

// Store owns the persisted status document. Every read yields a fresh
// immutable Snapshot and every write is checked against the revision the
// caller last saw. Saves within one process are serialized so the revision
// check and the rename cannot interleave.
type Store struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

func New(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger.With("component", "status")}
}

// Open locates the document under root and returns a Store for it.
func Open(root, explicit string, logger *slog.Logger) (*Store, error) {
	p, err := Locate(root, explicit)
	if err != nil {
		return nil, err
	}
	return New(p, logger), nil
}

func (s *Store) Path() string { return s.path }

// Load reads and parses the whole document.
func (s *Store) Load() (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.path)
		}
		return nil, err
	}
	snap, _, err := Parse(s.path, data)
	return snap, err
}

// Save sets the status of one unit. It fails with ConflictError when the
// document on disk no longer matches snap's revision, and returns the
// snapshot of the document as written.
func (s *Store) Save(snap *Snapshot, unitID string, st domain.UnitStatus) (*Snapshot, error) {
	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("save %s: %w", unitID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	if rev := Revision(data); snap != nil && snap.revision != rev {
		return nil, &ConflictError{Path: s.path, Expected: snap.revision, Actual: rev}
	}
	cur, doc, err := Parse(s.path, data)
	if err != nil {
		return nil, err
	}
	prev, ok := cur.units[unitID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUnit, unitID)
	}
	if prev == st {
		return cur, nil
	}
	root := doc.Content[0]
	section := mappingValue(root, sectionKey)
	setScalar(section, unitID, string(st.Status))
	if st.Status == domain.StatusBlocked {
		reasons := mappingValue(root, reasonsKey)
		if reasons == nil {
			reasons = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			root.Content = append(root.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: reasonsKey}, reasons)
		}
		setScalar(reasons, unitID, st.Reason)
	} else {
		deleteKey(root, reasonsKey, unitID)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode %s: %w", s.path, err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if err := fsutil.WriteFileAtomic(s.path, out, 0o644); err != nil {
		return nil, err
	}
	s.logger.Info("status updated", "unit", unitID, "from", prev.String(), "to", st.String())
	next, _, err := Parse(s.path, out)
	return next, err
}

// Revision is the optimistic-concurrency token of a document body.
func Revision(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Parse decodes a status document. Any malformed entry fails the whole read.
func Parse(path string, data []byte) (*Snapshot, *yaml.Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, &ParseError{Path: path, Reason: err.Error()}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, nil, &ParseError{Path: path, Reason: "empty document"}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, nil, &ParseError{Path: path, Line: root.Line, Reason: "top level must be a mapping"}
	}
	if err := checkDuplicates(path, root); err != nil {
		return nil, nil, err
	}

	snap := &Snapshot{
		path:     path,
		revision: Revision(data),
		units:    map[string]domain.UnitStatus{},
		retros:   map[string]string{},
	}
	snap.project = topScalar(root, "project")
	snap.generated = topScalar(root, "generated")

	section := mappingValue(root, sectionKey)
	if section == nil {
		return nil, nil, &ParseError{Path: path, Reason: "missing " + sectionKey + " section"}
	}
	if section.Kind != yaml.MappingNode || len(section.Content) == 0 {
		return nil, nil, &ParseError{Path: path, Line: section.Line, Reason: sectionKey + " must be a non-empty mapping"}
	}
	if err := checkDuplicates(path, section); err != nil {
		return nil, nil, err
	}

	reasons := map[string]string{}
	if rn := mappingValue(root, reasonsKey); rn != nil {
		if rn.Kind != yaml.MappingNode {
			return nil, nil, &ParseError{Path: path, Line: rn.Line, Reason: reasonsKey + " must be a mapping"}
		}
		if err := checkDuplicates(path, rn); err != nil {
			return nil, nil, err
		}
		for i := 0; i+1 < len(rn.Content); i += 2 {
			k, v := rn.Content[i], rn.Content[i+1]
			if v.Kind != yaml.ScalarNode {
				return nil, nil, &ParseError{Path: path, Line: v.Line, Reason: "blocked reason for " + k.Value + " must be a string"}
			}
			reasons[k.Value] = strings.TrimSpace(v.Value)
		}
	}

	for i := 0; i+1 < len(section.Content); i += 2 {
		k, v := section.Content[i], section.Content[i+1]
		id := strings.TrimSpace(k.Value)
		if k.Kind != yaml.ScalarNode || id == "" {
			return nil, nil, &ParseError{Path: path, Line: k.Line, Reason: "unit identifier must be a non-empty string"}
		}
		if v.Kind != yaml.ScalarNode {
			return nil, nil, &ParseError{Path: path, Line: v.Line, Reason: "status of " + id + " must be a string"}
		}
		if domain.KindOf(id) == domain.KindRetrospective {
			snap.retros[id] = v.Value
			continue
		}
		st, err := domain.ParseStatus(v.Value)
		if err != nil {
			return nil, nil, &ParseError{Path: path, Line: v.Line, Reason: id + ": " + err.Error()}
		}
		us := domain.StatusOf(st)
		if st == domain.StatusBlocked {
			us = domain.Blocked(reasons[id])
		}
		if err := us.Validate(); err != nil {
			return nil, nil, &ParseError{Path: path, Line: v.Line, Reason: id + ": " + err.Error()}
		}
		snap.units[id] = us
	}
	snap.index()
	return snap, &doc, nil
}

func checkDuplicates(path string, m *yaml.Node) error {
	seen := make(map[string]int, len(m.Content)/2)
	for i := 0; i+1 < len(m.Content); i += 2 {
		k := m.Content[i]
		if line, ok := seen[k.Value]; ok {
			return &ParseError{Path: path, Line: k.Line, Reason: fmt.Sprintf("duplicate key %q (first at line %d)", k.Value, line)}
		}
		seen[k.Value] = k.Line
	}
	return nil
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	if m == nil {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func topScalar(m *yaml.Node, key string) string {
	v := mappingValue(m, key)
	if v == nil || v.Kind != yaml.ScalarNode {
		return ""
	}
	return v.Value
}

func setScalar(m *yaml.Node, key, value string) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			v := m.Content[i+1]
			v.Kind = yaml.ScalarNode
			v.Tag = "!!str"
			v.Value = value
			v.Style = 0
			return
		}
	}
	m.Content = append(m.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value})
}

// deleteKey removes key from the mapping stored under section, dropping the
// section itself once empty.
func deleteKey(root *yaml.Node, section, key string) {
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value != section {
			continue
		}
		m := root.Content[i+1]
		for j := 0; j+1 < len(m.Content); j += 2 {
			if m.Content[j].Value == key {
				m.Content = append(m.Content[:j], m.Content[j+2:]...)
				break
			}
		}
		if len(m.Content) == 0 {
			root.Content = append(root.Content[:i], root.Content[i+2:]...)
		}
		return
	}
}
