package governance

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/quarterdeck-io/quarterdeck/internal/atomicio"
	"github.com/quarterdeck-io/quarterdeck/internal/scope"
	"github.com/quarterdeck-io/quarterdeck/internal/timeutil"
	"github.com/quarterdeck-io/quarterdeck/internal/validation"
)

const (
	proposalFile  = "proposal.json"
	critiqueFile  = "critique.json"
	auditFile     = "audit.json"
	synthesisFile = "synthesis.json"
	approvalFile  = "approval.json"

	// DefaultExpiry is how long an unapproved proposal stays approvable.
	DefaultExpiry = 72 * time.Hour
)

// Bundle is everything persisted for one proposal. Later stages may be
// missing; earlier ones never are.
type Bundle struct {
	Proposal  Proposal
	Critique  *Critique
	Audit     *AuditRecord
	Synthesis *Synthesis
	Approval  *Approval
	Expired   bool
}

// Actionable reports whether the proposal may be applied. The approval
// artifact is the only signal; recommendations, verdicts, and scores
// carry no authority on their own.
func (b *Bundle) Actionable() bool { return b.Approval != nil }

// Store persists pipeline artifacts under governance/proposals/<id>/.
// Artifacts are write-once and stage-ordered: a critique cannot land
// before its proposal, an audit before its critique, a synthesis before
// its audit. Loads refuse directories that violate the order.
type Store struct {
	layout scope.Layout
	expiry time.Duration
	now    func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreClock fixes the clock, for tests.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore builds an artifact store. A non-positive expiry falls back
// to DefaultExpiry.
func NewStore(layout scope.Layout, expiry time.Duration, opts ...StoreOption) *Store {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	s := &Store{layout: layout, expiry: expiry, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) path(id, name string) string {
	return filepath.Join(s.layout.ProposalDir(id), name)
}

func (s *Store) exists(id, name string) bool {
	_, err := os.Stat(s.path(id, name))
	return err == nil
}

func (s *Store) writeOnce(id, name string, v any) error {
	if s.exists(id, name) {
		return fmt.Errorf("%s for proposal %s already exists", name, id)
	}
	if err := atomicio.WriteJSON(s.path(id, name), v); err != nil {
		return fmt.Errorf("failed to write %s for proposal %s: %w", name, id, err)
	}
	return nil
}

// WriteProposal persists the first artifact. Proposals are immutable;
// a second write under the same id is refused.
func (s *Store) WriteProposal(p Proposal) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return s.writeOnce(p.ProposalID, proposalFile, p)
}

// WriteCritique persists the second artifact; its proposal must exist.
func (s *Store) WriteCritique(c Critique) error {
	if !s.exists(c.ProposalID, proposalFile) {
		return fmt.Errorf("cannot write critique for %s: proposal artifact is missing", c.ProposalID)
	}
	return s.writeOnce(c.ProposalID, critiqueFile, c)
}

// WriteAudit persists the third artifact; the critique must exist.
func (s *Store) WriteAudit(a AuditRecord) error {
	if !s.exists(a.ProposalID, critiqueFile) {
		return fmt.Errorf("cannot write audit for %s: critique artifact is missing", a.ProposalID)
	}
	return s.writeOnce(a.ProposalID, auditFile, a)
}

// WriteSynthesis persists the fourth artifact; the audit must exist.
func (s *Store) WriteSynthesis(sy Synthesis) error {
	if !s.exists(sy.ProposalID, auditFile) {
		return fmt.Errorf("cannot write synthesis for %s: audit artifact is missing", sy.ProposalID)
	}
	return s.writeOnce(sy.ProposalID, synthesisFile, sy)
}

// RecordApproval persists the operator's approval. It belongs to the
// operator flow (opsctl), never to the pipeline. Approving an expired
// or already-approved proposal is refused.
func (s *Store) RecordApproval(ap Approval) error {
	bundle, err := s.Load(ap.ProposalID)
	if err != nil {
		return err
	}
	if bundle.Approval != nil {
		return fmt.Errorf("proposal %s is already approved by %s", ap.ProposalID, bundle.Approval.ApprovedBy)
	}
	if bundle.Expired {
		return fmt.Errorf("proposal %s expired and can no longer be approved", ap.ProposalID)
	}
	if ap.ApprovedBy == "" {
		return fmt.Errorf("approval for %s must name the approver", ap.ProposalID)
	}
	if ap.ApprovedAt == "" {
		ap.ApprovedAt = timeutil.FormatZ(s.now().UTC())
	}
	return s.writeOnce(ap.ProposalID, approvalFile, ap)
}

func (s *Store) readOptional(id, name string, v any) (bool, error) {
	err := atomicio.ReadJSON(s.path(id, name), v)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Load reads one proposal directory and enforces the stage order: a
// later artifact without its predecessor marks the directory corrupt.
// The id is checked before it touches a path; anything that is not a
// plain artifact id is refused.
func (s *Store) Load(id string) (*Bundle, error) {
	if !validation.IsArtifactID(id) {
		return nil, fmt.Errorf("proposal id %q is not a valid artifact id", id)
	}
	b := &Bundle{}
	if err := atomicio.ReadJSON(s.path(id, proposalFile), &b.Proposal); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("proposal %s not found: %w", id, err)
		}
		return nil, err
	}

	var (
		critique  Critique
		audit     AuditRecord
		synthesis Synthesis
		approval  Approval
	)
	haveCritique, err := s.readOptional(id, critiqueFile, &critique)
	if err != nil {
		return nil, err
	}
	haveAudit, err := s.readOptional(id, auditFile, &audit)
	if err != nil {
		return nil, err
	}
	haveSynthesis, err := s.readOptional(id, synthesisFile, &synthesis)
	if err != nil {
		return nil, err
	}
	haveApproval, err := s.readOptional(id, approvalFile, &approval)
	if err != nil {
		return nil, err
	}

	if haveAudit && !haveCritique {
		return nil, fmt.Errorf("proposal %s has an audit but no critique: artifact order violated", id)
	}
	if haveSynthesis && !haveAudit {
		return nil, fmt.Errorf("proposal %s has a synthesis but no audit: artifact order violated", id)
	}

	if haveCritique {
		b.Critique = &critique
	}
	if haveAudit {
		b.Audit = &audit
	}
	if haveSynthesis {
		b.Synthesis = &synthesis
	}
	if haveApproval {
		b.Approval = &approval
	}

	created, err := timeutil.Parse(b.Proposal.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("proposal %s has an unreadable creation timestamp: %w", id, err)
	}
	b.Expired = s.now().UTC().After(created.Add(s.expiry))
	return b, nil
}

// List loads every proposal directory, oldest first. Corrupt
// directories are counted and passed over so one bad artifact cannot
// hide the rest.
func (s *Store) List() ([]*Bundle, int, error) {
	entries, err := os.ReadDir(s.layout.ProposalsDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to list proposals: %w", err)
	}

	var bundles []*Bundle
	skipped := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := s.Load(e.Name())
		if err != nil {
			skipped++
			continue
		}
		bundles = append(bundles, b)
	}
	sort.Slice(bundles, func(i, j int) bool {
		if bundles[i].Proposal.CreatedAt != bundles[j].Proposal.CreatedAt {
			return bundles[i].Proposal.CreatedAt < bundles[j].Proposal.CreatedAt
		}
		return bundles[i].Proposal.ProposalID < bundles[j].Proposal.ProposalID
	})
	return bundles, skipped, nil
}
