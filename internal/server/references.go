package server

import (
	"bytes"
	"context"

	"github.com/OpenUpSA/dexi/internal/common"
	"github.com/OpenUpSA/dexi/internal/reference"
)

func (s *Server) uploadReference(ctx context.Context, req request) (any, error) {
	content, err := req.bytes("content")
	if err != nil {
		return nil, err
	}
	ref, lex, err := s.d.References.Upload(ctx, reference.UploadRequest{
		UserID:      req.str("user_id"),
		Name:        req.str("name"),
		ContentType: req.str("content_type"),
		Body:        bytes.NewReader(content),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"reference": ref, "entries": len(lex.Entries), "terms": lex.Size()}, nil
}

func (s *Server) listReferences(ctx context.Context, req request) (any, error) {
	refs, err := s.d.References.List(ctx, req.str("user_id"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"references": nonNil(refs)}, nil
}

func (s *Server) deleteReference(ctx context.Context, req request) (any, error) {
	id, err := req.id("reference_id")
	if err != nil {
		return nil, err
	}
	if err := s.d.References.Delete(ctx, id); err != nil {
		return nil, err
	}
	return empty{}, nil
}

func (s *Server) quickExtract(ctx context.Context, req request) (any, error) {
	u := req.str("url")
	if err := common.NewValidator().Field("url", u, common.Required, common.HTTPURL).Err(); err != nil {
		return nil, err
	}
	res, err := s.d.Quick.Extract(ctx, u)
	if err != nil {
		return nil, err
	}
	if !req.boolean("include_text") {
		res.Text, res.Markdown = "", ""
	}
	return res, nil
}
