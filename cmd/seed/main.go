package main

import (
	"context"
	"errors"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"gxp-workflow/backend/internal/config"
	"gxp-workflow/backend/internal/logging"
	"gxp-workflow/backend/internal/repository"
	"gxp-workflow/backend/internal/workflow"
	"gxp-workflow/backend/pkg/models"
)

const templateName = "DocApproval"

func main() {
	ctx := context.Background()
	logger := logging.NewLogger()

	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL())
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	store := repository.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}
	directory := repository.NewPostgresDirectory(pool)

	// 1. Ensure the organization of the dev login exists
	domain := "localhost"
	org, err := store.GetOrganizationByDomain(ctx, domain)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		logger.Info("Creating default organization", "domain", domain)
		org = &models.Organization{Name: "Local Dev Organization", Domain: domain}
		if err := store.CreateOrganization(ctx, org); err != nil {
			log.Fatalf("Failed to create organization: %v", err)
		}
	case err != nil:
		log.Fatalf("Failed to look up organization: %v", err)
	default:
		logger.Info("Found existing organization", "id", org.ID)
	}

	// 2. Users and roles
	users := []struct {
		email string
		roles []string
	}{
		{"dev@localhost", []string{"author", "reviewer"}},
		{"qa@localhost", []string{"qa"}},
		{"qa-manager@localhost", []string{"qa", "qa_manager"}},
	}
	for _, u := range users {
		if err := directory.AddUser(ctx, u.email, u.email, u.roles...); err != nil {
			log.Fatalf("Failed to add user %s: %v", u.email, err)
		}
		logger.Info("Seeded user", "email", u.email, "roles", u.roles)
	}

	// 3. The document approval template
	engine, err := workflow.NewEngine(store, workflow.Dependencies{Identity: directory}, workflow.Options{}, logger)
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	existing, err := engine.ListTemplates(ctx, org.ID)
	if err != nil {
		log.Fatalf("Failed to list templates: %v", err)
	}
	for _, t := range existing {
		if t.Name == templateName {
			logger.Info("Skipping existing template", "name", t.Name, "id", t.ID)
			return
		}
	}
	if err := seedDocApproval(ctx, engine, org.ID); err != nil {
		log.Fatalf("Failed to seed %s: %v", templateName, err)
	}
	logger.Info("Seeding complete!")
}

func seedDocApproval(ctx context.Context, e *workflow.Engine, orgID string) error {
	sla := 48
	tpl, err := e.CreateTemplate(ctx, orgID, templateName, "Controlled document review and approval", "seed-script")
	if err != nil {
		return err
	}

	var states [4]*models.State
	for i, spec := range []workflow.StateSpec{
		{Name: "Draft", Order: 1, IsInitial: true},
		{Name: "Review", Order: 2},
		{Name: "QA", Order: 3, RequiresSignature: true, SLAHours: &sla},
		{Name: "Approved", Order: 4, IsFinal: true},
	} {
		if states[i], err = e.AddState(ctx, tpl.ID, spec); err != nil {
			return err
		}
	}
	draft, review, qa, approved := states[0], states[1], states[2], states[3]

	type step struct {
		spec    workflow.TransitionSpec
		rules   []workflow.RuleDefinition
		actions []workflow.ActionDefinition
	}
	steps := []step{
		{
			spec:  workflow.TransitionSpec{FromStateID: draft.ID, ToStateID: review.ID, Name: "Submit"},
			rules: []workflow.RuleDefinition{{Spec: models.RoleRequired{Role: "author"}, IsBlocking: true}},
			actions: []workflow.ActionDefinition{
				{Spec: models.LockFields{Fields: []string{"title", "body"}}, Order: 1},
				{Spec: models.Notify{Channel: "document-review", Message: "Document ready for review"}, Order: 2},
			},
		},
		{
			spec:    workflow.TransitionSpec{FromStateID: review.ID, ToStateID: draft.ID, Name: "Rework", RequiresComment: true},
			actions: []workflow.ActionDefinition{{Spec: models.UnlockFields{Fields: []string{"title", "body"}}, Order: 1}},
		},
		{
			spec:    workflow.TransitionSpec{FromStateID: review.ID, ToStateID: qa.ID, Name: "Send to QA", AutoAssignRole: "qa"},
			rules:   []workflow.RuleDefinition{{Spec: models.RoleRequired{Role: "reviewer"}, IsBlocking: true}},
			actions: []workflow.ActionDefinition{{Spec: models.CreateTask{Role: "qa", Title: "QA review", DueInHours: 48}, Order: 1}},
		},
		{
			spec: workflow.TransitionSpec{FromStateID: qa.ID, ToStateID: approved.ID, Name: "Approve"},
			rules: []workflow.RuleDefinition{
				{Spec: models.ParallelApproval{RequiredSignatures: 2, SignatureRoles: []string{"qa", "qa_manager"}}, IsBlocking: true},
				{Spec: models.NoOpenDeviations{}, IsBlocking: true},
			},
		},
	}
	for _, s := range steps {
		tr, err := e.AddTransition(ctx, tpl.ID, s.spec)
		if err != nil {
			return err
		}
		for _, r := range s.rules {
			if _, err := e.AddRule(ctx, tr.ID, r); err != nil {
				return err
			}
		}
		for _, a := range s.actions {
			if _, err := e.AddAction(ctx, tr.ID, a); err != nil {
				return err
			}
		}
	}
	return nil
}
