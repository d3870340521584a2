package definitions

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"reflect"

	"github.com/rendis/chainops/internal/ledger"
	"github.com/rendis/chainops/internal/store"
	"github.com/rendis/chainops/internal/validation"
	"github.com/rendis/chainops/pkg/schema"
)

// Target is the persistence the loader writes to.
type Target interface {
	PutRuleSet(ctx context.Context, rs *schema.TransitionRuleSet) error
	GetChain(ctx context.Context, id string) (*schema.ChainDefinition, error)
	CreateChain(ctx context.Context, def *schema.ChainDefinition) error
	UpdateChain(ctx context.Context, def *schema.ChainDefinition) error
	GetTrigger(ctx context.Context, id string) (*schema.Trigger, error)
	CreateTrigger(ctx context.Context, t *schema.Trigger) error
	UpdateTrigger(ctx context.Context, id string, update store.TriggerUpdate) error
	DeleteTrigger(ctx context.Context, id string) error
}

// Summary counts what Apply changed.
type Summary struct {
	RuleSets        int `json:"rule_sets"`
	ChainsCreated   int `json:"chains_created"`
	ChainsUpdated   int `json:"chains_updated"`
	ChainsUnchanged int `json:"chains_unchanged"`
	TriggersCreated int `json:"triggers_created"`
	TriggersUpdated int `json:"triggers_updated"`
}

// Loader validates bundles and writes them to a Target.
type Loader struct {
	target    Target
	validator *validation.DefinitionValidator
	rules     *ledger.RuleTable
	logger    *slog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the loader logger.
func WithLogger(l *slog.Logger) Option { return func(ld *Loader) { ld.logger = l } }

// WithRuleTable also installs loaded rule sets into the live rule table.
func WithRuleTable(t *ledger.RuleTable) Option { return func(ld *Loader) { ld.rules = t } }

// NewLoader creates a loader. v may carry agent checks; chain references in
// triggers are checked against the bundle and the target.
func NewLoader(target Target, v *validation.DefinitionValidator, opts ...Option) *Loader {
	ld := &Loader{target: target, validator: v}
	for _, o := range opts {
		o(ld)
	}
	if ld.logger == nil {
		ld.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return ld
}

// Validate checks every definition in b and returns all issues. Nothing is written.
func (ld *Loader) Validate(ctx context.Context, b *Bundle) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	for i, rs := range b.RuleSets {
		result.MergeAt(fmt.Sprintf("rule_sets[%d]", i), ld.validator.RuleSet(rs))
	}

	chainIDs := make(map[string]bool, len(b.Chains))
	for i, def := range b.Chains {
		path := fmt.Sprintf("chains[%d]", i)
		if def.ID == "" {
			result.AddError(path+".id", schema.ErrCodeValidation, "chain id is required in definitions files")
		} else if chainIDs[def.ID] {
			result.AddError(path+".id", schema.ErrCodeValidation, fmt.Sprintf("duplicate chain id %q", def.ID))
		}
		chainIDs[def.ID] = true
		result.MergeAt(path, ld.validator.Chain(def))
	}

	chainKnown := func(id string) bool {
		if chainIDs[id] {
			return true
		}
		_, err := ld.target.GetChain(ctx, id)
		return err == nil
	}
	triggerIDs := make(map[string]bool, len(b.Triggers))
	for i, t := range b.Triggers {
		path := fmt.Sprintf("triggers[%d]", i)
		if t.ID == "" {
			result.AddError(path+".id", schema.ErrCodeValidation, "trigger id is required in definitions files")
		} else if triggerIDs[t.ID] {
			result.AddError(path+".id", schema.ErrCodeValidation, fmt.Sprintf("duplicate trigger id %q", t.ID))
		}
		triggerIDs[t.ID] = true
		res := ld.validator.Trigger(t)
		if res.Valid() && !chainKnown(t.ChainID) {
			res.AddError("chain_id", schema.ErrCodeNotFound, fmt.Sprintf("chain %q not found", t.ChainID))
		}
		result.MergeAt(path, res)
	}
	return result
}

// Apply validates b and, if it is valid, writes rule sets, then chains, then
// triggers. Chains whose steps, name and flags are unchanged keep their version.
func (ld *Loader) Apply(ctx context.Context, b *Bundle) (*Summary, error) {
	if err := ld.Validate(ctx, b).ToError(); err != nil {
		return nil, err
	}

	sum := &Summary{}
	for _, rs := range b.RuleSets {
		if err := ld.target.PutRuleSet(ctx, rs); err != nil {
			return sum, fmt.Errorf("store rule set %s: %w", rs.SubjectType, err)
		}
		if ld.rules != nil {
			if err := ld.rules.Set(rs); err != nil {
				return sum, err
			}
		}
		sum.RuleSets++
	}

	for _, def := range b.Chains {
		if err := ld.applyChain(ctx, def, sum); err != nil {
			return sum, err
		}
	}
	for _, t := range b.Triggers {
		if err := ld.applyTrigger(ctx, t, sum); err != nil {
			return sum, err
		}
	}

	ld.logger.Info("definitions applied",
		slog.Int("rule_sets", sum.RuleSets),
		slog.Int("chains_created", sum.ChainsCreated),
		slog.Int("chains_updated", sum.ChainsUpdated),
		slog.Int("triggers_created", sum.TriggersCreated),
		slog.Int("triggers_updated", sum.TriggersUpdated),
	)
	return sum, nil
}

func (ld *Loader) applyChain(ctx context.Context, def *schema.ChainDefinition, sum *Summary) error {
	current, err := ld.target.GetChain(ctx, def.ID)
	switch {
	case schema.IsCode(err, schema.ErrCodeNotFound):
		if err := ld.target.CreateChain(ctx, def); err != nil {
			return fmt.Errorf("create chain %s: %w", def.ID, err)
		}
		sum.ChainsCreated++
		return nil
	case err != nil:
		return fmt.Errorf("load chain %s: %w", def.ID, err)
	}

	if sameChain(current, def) {
		sum.ChainsUnchanged++
		return nil
	}
	if err := ld.target.UpdateChain(ctx, def); err != nil {
		return fmt.Errorf("update chain %s: %w", def.ID, err)
	}
	ld.logger.Info("chain updated", slog.String("chain_id", def.ID), slog.Int("version", def.Version))
	sum.ChainsUpdated++
	return nil
}

func sameChain(a, b *schema.ChainDefinition) bool {
	if a.Name != b.Name || a.Description != b.Description || a.Enabled != b.Enabled || a.TemplateID != b.TemplateID {
		return false
	}
	ca, err1 := a.Clone()
	cb, err2 := b.Clone()
	if err1 != nil || err2 != nil {
		return false
	}
	return reflect.DeepEqual(ca.Steps, cb.Steps)
}

func (ld *Loader) applyTrigger(ctx context.Context, t *schema.Trigger, sum *Summary) error {
	current, err := ld.target.GetTrigger(ctx, t.ID)
	switch {
	case schema.IsCode(err, schema.ErrCodeNotFound):
		if err := ld.target.CreateTrigger(ctx, t); err != nil {
			return fmt.Errorf("create trigger %s: %w", t.ID, err)
		}
		sum.TriggersCreated++
		return nil
	case err != nil:
		return fmt.Errorf("load trigger %s: %w", t.ID, err)
	}

	if current.EntityType != t.EntityType || !sameStatus(current.StatusFrom, t.StatusFrom) || !sameStatus(current.StatusTo, t.StatusTo) {
		// The status pattern is immutable in storage; replace the trigger.
		if err := ld.target.DeleteTrigger(ctx, t.ID); err != nil {
			return fmt.Errorf("replace trigger %s: %w", t.ID, err)
		}
		if err := ld.target.CreateTrigger(ctx, t); err != nil {
			return fmt.Errorf("replace trigger %s: %w", t.ID, err)
		}
		sum.TriggersUpdated++
		return nil
	}

	conds := t.Conditions
	if conds == nil {
		conds = map[string]any{}
	}
	update := store.TriggerUpdate{
		Name:       &t.Name,
		Enabled:    &t.Enabled,
		Priority:   &t.Priority,
		Conditions: conds,
		ChainID:    &t.ChainID,
	}
	if err := ld.target.UpdateTrigger(ctx, t.ID, update); err != nil {
		return fmt.Errorf("update trigger %s: %w", t.ID, err)
	}
	sum.TriggersUpdated++
	return nil
}

func sameStatus(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
