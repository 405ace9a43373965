package server

import (
	"context"

	"github.com/ecomkit/fieldgate/internal/core"
	"github.com/ecomkit/fieldgate/internal/repository"
	"github.com/ecomkit/fieldgate/internal/service"
)

// Service is the application surface the HTTP transport exposes.
type Service interface {
	ListRules(ctx context.Context, section core.Section) ([]core.Rule, error)
	SaveRules(ctx context.Context, section core.Section, rules []core.Rule) ([]core.Rule, error)
	Resolve(ctx context.Context, section core.Section, cart core.CartSnapshot, schema core.FieldSchema) (service.ResolveResponse, error)
	GetSetting(ctx context.Context, key string) (repository.Setting, error)
	SetSetting(ctx context.Context, key, value string) (repository.Setting, error)
	ListSettings(ctx context.Context) ([]repository.Setting, error)
	ListEventsSince(ctx context.Context, eventID int64, section string) ([]repository.RuleSetEvent, error)
}

var _ Service = (*service.Service)(nil)
