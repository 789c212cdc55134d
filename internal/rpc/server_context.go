package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/engramdev/engram/internal/storage"
)

func (s *Server) handleSetContext(ctx context.Context, req *Request) *Response {
	var args SetContextArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}

	entry, err := s.contexts.Set(ctx, args.Key, args.Value, args.TTLHours, args.Scope)
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewSuccessResponse(SetContextResult{
		OK:        true,
		Key:       entry.Key,
		Scope:     entry.Scope,
		ExpiresAt: entry.ExpiresAt,
		TTLHours:  int(entry.ExpiresAt.Sub(entry.CreatedAt).Hours()),
	})
}

func (s *Server) handleGetContext(ctx context.Context, req *Request) *Response {
	var args GetContextArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}

	entry, err := s.contexts.Get(ctx, args.Key)
	if errors.Is(err, storage.ErrNotFound) {
		return NewErrorResponse(fmt.Errorf("%w: context key %q not found or expired", storage.ErrNotFound, args.Key))
	}
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewSuccessResponse(GetContextResult{
		OK:        true,
		Key:       entry.Key,
		Value:     entry.Value,
		Scope:     entry.Scope,
		CreatedAt: entry.CreatedAt,
		UpdatedAt: entry.UpdatedAt,
		ExpiresAt: entry.ExpiresAt,
	})
}

func (s *Server) handleDeleteContext(ctx context.Context, req *Request) *Response {
	var args DeleteContextArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}

	deleted, err := s.contexts.Delete(ctx, args.Key)
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewSuccessResponse(DeleteContextResult{OK: true, Key: args.Key, Deleted: deleted})
}

func (s *Server) handleListContextKeys(ctx context.Context, req *Request) *Response {
	var args ListContextKeysArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}

	entries, err := s.contexts.List(ctx, args.Scope)
	if err != nil {
		return NewErrorResponse(err)
	}
	infos := make([]ContextKeyInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, ContextKeyInfo{
			Key:       e.Key,
			Scope:     e.Scope,
			CreatedAt: e.CreatedAt,
			UpdatedAt: e.UpdatedAt,
			ExpiresAt: e.ExpiresAt,
		})
	}
	return NewSuccessResponse(ListContextKeysResult{OK: true, Count: len(infos), Entries: infos})
}

func (s *Server) handleExtendContextTTL(ctx context.Context, req *Request) *Response {
	var args ExtendContextTTLArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}

	newExpiry, err := s.contexts.ExtendTTL(ctx, args.Key, args.AdditionalHours)
	if errors.Is(err, storage.ErrNotFound) {
		return NewErrorResponse(fmt.Errorf("%w: context key %q not found or expired", storage.ErrNotFound, args.Key))
	}
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewSuccessResponse(ExtendContextTTLResult{OK: true, Key: args.Key, NewExpiresAt: newExpiry})
}
