// Package skills manages the workspace skill catalog and the install push
// pipeline.
//
// Installs reach runners over the event bus. A content push carries the full
// bundle so the runner can lay the skill down from memory; a command push
// carries a vetted installer invocation instead. Command vetting is
// deliberately paranoid: an additive per-workspace allowlist decides what may
// run, and a global denylist of shell metacharacters rejects anything that
// could smuggle a second command. False positives are acceptable, false
// negatives are not.
package skills

import (
	"context"
	"regexp"
	"strings"

	"github.com/buildd-ai/buildd-sub004/internal/domain/account"
	busdomain "github.com/buildd-ai/buildd-sub004/internal/domain/bus"
	"github.com/buildd-ai/buildd-sub004/internal/domain/skill"
	sharederrors "github.com/buildd-ai/buildd-sub004/internal/shared/errors"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
	id "github.com/buildd-ai/buildd-sub004/internal/shared/utils/id"
)

// defaultInstallerPrefixes is the built-in command allowlist. Workspace
// settings extend it, never replace it.
var defaultInstallerPrefixes = []string{
	"buildd skill install ",
	"npx buildd-skills ",
}

// dangerousCommandPatterns is the global denylist applied after the
// allowlist. Shell chaining, substitution, redirection, and destructive
// flags all fail the vet.
var dangerousCommandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\|`),
	regexp.MustCompile("`"),
	regexp.MustCompile(`\$\(`),
	regexp.MustCompile(`;`),
	regexp.MustCompile(`&&`),
	regexp.MustCompile(`rm\s+-rf`),
	regexp.MustCompile(`[<>]`),
	regexp.MustCompile(`[\r\n]`),
}

// Service manages skills and pushes installs to runners.
type Service struct {
	skills     skill.Store
	workspaces account.WorkspaceStore
	publisher  busdomain.Publisher
	logger     logging.Logger
}

// NewService creates the skill service.
func NewService(skills skill.Store, workspaces account.WorkspaceStore, publisher busdomain.Publisher, logger logging.Logger) *Service {
	return &Service{
		skills:     skills,
		workspaces: workspaces,
		publisher:  publisher,
		logger:     logging.OrNop(logger),
	}
}

// UpsertParams describes a skill create-or-replace. Slug defaults to a
// slugified Name; Enabled defaults to true.
type UpsertParams struct {
	Slug           string            `json:"slug,omitempty"`
	Name           string            `json:"name"`
	Description    string            `json:"description,omitempty"`
	Content        string            `json:"content"`
	Source         string            `json:"source,omitempty"`
	Origin         skill.Origin      `json:"origin,omitempty"`
	Enabled        *bool             `json:"enabled,omitempty"`
	ReferenceFiles map[string]string `json:"referenceFiles,omitempty"`
}

// Upsert inserts or replaces the workspace's skill at (workspaceId, slug).
// The stored id survives replacement.
func (s *Service) Upsert(ctx context.Context, workspaceID string, p UpsertParams) (*skill.Skill, error) {
	if workspaceID == "" {
		return nil, sharederrors.Invalidf("workspaceId required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return nil, sharederrors.Invalidf("skill name required")
	}
	if p.Content == "" {
		return nil, sharederrors.Invalidf("skill content required")
	}
	slug := p.Slug
	if slug == "" {
		slug = skill.Slugify(p.Name)
	}
	if err := skill.ValidateSlug(slug); err != nil {
		return nil, sharederrors.Invalidf("%s", err)
	}

	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	origin := p.Origin
	if origin == "" {
		origin = skill.OriginManual
	}

	return s.skills.Upsert(ctx, &skill.Skill{
		ID:             id.NewSkillID(),
		WorkspaceID:    workspaceID,
		Slug:           slug,
		Name:           strings.TrimSpace(p.Name),
		Description:    p.Description,
		Content:        p.Content,
		ContentHash:    skill.ContentHash(p.Content),
		Source:         p.Source,
		Origin:         origin,
		Enabled:        enabled,
		ReferenceFiles: p.ReferenceFiles,
	})
}

// Get retrieves a skill scoped to the workspace.
func (s *Service) Get(ctx context.Context, workspaceID, skillID string) (*skill.Skill, error) {
	sk, err := s.skills.Get(ctx, skillID)
	if err != nil {
		return nil, err
	}
	if sk.WorkspaceID != workspaceID {
		return nil, sharederrors.NotFound("skill", skillID)
	}
	return sk, nil
}

// List returns the workspace's skills, enabled first.
func (s *Service) List(ctx context.Context, workspaceID string) ([]*skill.Skill, error) {
	return s.skills.List(ctx, workspaceID)
}

// Update applies a partial update, refreshing the content hash when the
// content changes.
func (s *Service) Update(ctx context.Context, workspaceID, skillID string, p skill.Patch) (*skill.Skill, error) {
	sk, err := s.Get(ctx, workspaceID, skillID)
	if err != nil {
		return nil, err
	}
	if p.Name != nil {
		if strings.TrimSpace(*p.Name) == "" {
			return nil, sharederrors.Invalidf("skill name required")
		}
		sk.Name = strings.TrimSpace(*p.Name)
	}
	if p.Description != nil {
		sk.Description = *p.Description
	}
	if p.Content != nil {
		if *p.Content == "" {
			return nil, sharederrors.Invalidf("skill content required")
		}
		sk.Content = *p.Content
		sk.ContentHash = skill.ContentHash(*p.Content)
	}
	if p.Enabled != nil {
		sk.Enabled = *p.Enabled
	}
	if err := s.skills.Update(ctx, sk); err != nil {
		return nil, err
	}
	return sk, nil
}

// Delete removes a skill from the workspace.
func (s *Service) Delete(ctx context.Context, workspaceID, skillID string) error {
	if _, err := s.Get(ctx, workspaceID, skillID); err != nil {
		return err
	}
	return s.skills.Delete(ctx, skillID)
}

// InstallRequest asks runners to install a skill. Exactly one of SkillID
// (content push) or InstallerCommand (command push) must be set.
type InstallRequest struct {
	SkillID          string  `json:"skillId,omitempty"`
	InstallerCommand string  `json:"installerCommand,omitempty"`
	SkillSlug        string  `json:"skillSlug,omitempty"`
	TargetLocalUiUrl *string `json:"targetLocalUiUrl,omitempty"`
}

// Install pushes a skill install to the workspace's runners.
func (s *Service) Install(ctx context.Context, workspaceID string, req InstallRequest) error {
	command := strings.TrimSpace(req.InstallerCommand)
	hasID := req.SkillID != ""
	hasCommand := command != ""
	if hasID == hasCommand {
		return sharederrors.Invalidf("exactly one of skillId or installerCommand required")
	}

	if hasID {
		sk, err := s.Get(ctx, workspaceID, req.SkillID)
		if err != nil {
			return err
		}
		s.logger.Info("skills: pushing bundle %s (%s) to workspace %s", sk.Slug, sk.ID, workspaceID)
		return s.publish(ctx, workspaceID, busdomain.SkillInstallPayload{
			Bundle:           sk.ToBundle(),
			SkillSlug:        sk.Slug,
			TargetLocalUiUrl: req.TargetLocalUiUrl,
		})
	}

	if err := s.vetInstallerCommand(ctx, workspaceID, command); err != nil {
		return err
	}
	s.logger.Info("skills: pushing installer command to workspace %s (slug=%s)", workspaceID, req.SkillSlug)
	return s.publish(ctx, workspaceID, busdomain.SkillInstallPayload{
		InstallerCommand: command,
		SkillSlug:        req.SkillSlug,
		TargetLocalUiUrl: req.TargetLocalUiUrl,
	})
}

func (s *Service) vetInstallerCommand(ctx context.Context, workspaceID, command string) error {
	allowed := append([]string(nil), defaultInstallerPrefixes...)
	if s.workspaces != nil {
		if ws, err := s.workspaces.Get(ctx, workspaceID); err == nil {
			allowed = append(allowed, ws.Settings.InstallerAllowlist...)
		} else {
			s.logger.Debug("skills: loading workspace %s for allowlist: %v", workspaceID, err)
		}
	}

	match := false
	for _, prefix := range allowed {
		if prefix != "" && strings.HasPrefix(command, prefix) {
			match = true
			break
		}
	}
	if !match {
		return sharederrors.Forbiddenf("installer command does not match an allowed installer")
	}

	for _, pattern := range dangerousCommandPatterns {
		if pattern.MatchString(command) {
			return sharederrors.Forbiddenf("installer command contains a disallowed shell pattern")
		}
	}
	return nil
}

func (s *Service) publish(ctx context.Context, workspaceID string, payload busdomain.SkillInstallPayload) error {
	if s.publisher == nil {
		return nil
	}
	return s.publisher.Publish(ctx, busdomain.WorkspaceChannel(workspaceID), busdomain.EventSkillInstall, payload)
}
