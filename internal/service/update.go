// Package service implements the two services layered over Router and
// Command: UpdateService for point operations, QueryService for fan-out
// reads. Both are thin translation layers, grounded on the reference
// server's command handlers (server/hub.go) only in the sense that a
// service method builds a request object and hands it to the routing
// layer rather than doing the work itself.
package service

import (
	"context"

	"github.com/terrastore-go/terrastore/internal/command"
	"github.com/terrastore-go/terrastore/internal/registry"
	"github.com/terrastore-go/terrastore/internal/store"
)

// UpdateService executes the point operations. Each method builds a
// RoutedCommand and calls its ExecuteOnRouter, which already knows how to
// resolve itself against Router and forward to the resolved node — the
// service layer itself never touches a Node directly.
type UpdateService struct {
	router   command.Router
	registry *registry.Registry
}

func NewUpdateService(r command.Router, reg *registry.Registry) *UpdateService {
	return &UpdateService{router: r, registry: reg}
}

func (s *UpdateService) AddBucket(ctx context.Context, bucket string) error {
	_, err := command.NewAddBucket(bucket).ExecuteOnRouter(ctx, s.router)
	return err
}

func (s *UpdateService) RemoveBucket(ctx context.Context, bucket string) error {
	_, err := command.NewRemoveBucket(bucket).ExecuteOnRouter(ctx, s.router)
	return err
}

// PutValue performs an unconditional or conditional put. predicate is a
// "type:expression" string; empty means unconditional.
func (s *UpdateService) PutValue(ctx context.Context, bucket, key string, value []byte, predicate string) error {
	predType, expr, _ := registry.ParsePredicate(predicate)
	_, err := command.NewPutValue(bucket, key, value, predType, expr).ExecuteOnRouter(ctx, s.router)
	return err
}

func (s *UpdateService) RemoveValue(ctx context.Context, bucket, key string) error {
	_, err := command.NewRemoveValue(bucket, key).ExecuteOnRouter(ctx, s.router)
	return err
}

// ExecuteUpdate resolves the named function up front, so an unknown
// function fails BAD_REQUEST before any routing happens, then forwards
// an Update command to the key's owning node.
func (s *UpdateService) ExecuteUpdate(ctx context.Context, bucket, key string, upd store.Update) error {
	if _, err := s.registry.Function(upd.FunctionName); err != nil {
		return err
	}
	_, err := command.NewUpdate(bucket, key, upd).ExecuteOnRouter(ctx, s.router)
	return err
}
