/*
Copyright 2026 AppForge, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"appforge.dev/conveyor/buildsupervisor"
	"appforge.dev/conveyor/gitworkspace"
	"appforge.dev/conveyor/taskstore"
	"github.com/chainguard-dev/clog"
)

type server struct {
	sup   *buildsupervisor.Supervisor
	ops   *gitworkspace.Ops
	tasks taskstore.Store
}

func newServer(sup *buildsupervisor.Supervisor, ops *gitworkspace.Ops, tasks taskstore.Store) *server {
	return &server{sup: sup, ops: ops, tasks: tasks}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/workspaces", s.handleClone)
	mux.HandleFunc("POST /v1/builds", s.handleBuild)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleTask)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

type cloneRequest struct {
	BranchID       string `json:"branchId"`
	RepositoryName string `json:"repositoryName"`
	RepositoryURL  string `json:"repositoryUrl,omitempty"`
	BaseBranch     string `json:"baseBranch,omitempty"`
}

func (s *server) handleClone(w http.ResponseWriter, r *http.Request) {
	var req cloneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.BranchID == "" || req.RepositoryName == "" {
		http.Error(w, "branchId and repositoryName are required", http.StatusBadRequest)
		return
	}
	var opts []gitworkspace.Option
	if req.RepositoryURL != "" {
		opts = append(opts, gitworkspace.WithRepositoryURL(req.RepositoryURL))
	}
	if req.BaseBranch != "" {
		opts = append(opts, gitworkspace.WithBaseBranch(req.BaseBranch))
	}
	res, err := s.ops.CloneRepository(r.Context(), req.BranchID, req.RepositoryName, opts...)
	if err != nil {
		clog.FromContext(r.Context()).Errorf("clone %s/%s: %v", req.BranchID, req.RepositoryName, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	code := http.StatusOK
	if !res.Success {
		code = http.StatusConflict
	}
	writeJSON(w, code, res)
}

type buildRequest struct {
	ConversationID string `json:"conversationId"`
	BranchID       string `json:"branchId"`
	RepositoryName string `json:"repositoryName"`
	RepositoryURL  string `json:"repositoryUrl,omitempty"`
	Language       string `json:"language"`
	Prompt         string `json:"prompt"`
}

type buildResponse struct {
	TaskID string `json:"taskId"`
	PID    int    `json:"pid"`
}

func (s *server) handleBuild(w http.ResponseWriter, r *http.Request) {
	var req buildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	taskID, pid, err := s.sup.StartBuild(r.Context(), buildsupervisor.Request{
		ConversationID: req.ConversationID,
		BranchID:       req.BranchID,
		RepositoryName: req.RepositoryName,
		RepositoryURL:  req.RepositoryURL,
		Language:       req.Language,
		Prompt:         req.Prompt,
	})
	if err != nil {
		http.Error(w, err.Error(), admissionStatus(err))
		return
	}
	writeJSON(w, http.StatusAccepted, buildResponse{TaskID: taskID, PID: pid})
}

// admissionStatus maps supervisor admission errors onto HTTP codes.
// Anything unrecognized is a server-side failure.
func admissionStatus(err error) int {
	switch {
	case errors.Is(err, buildsupervisor.ErrTooManyBuilds):
		return http.StatusTooManyRequests
	case errors.Is(err, buildsupervisor.ErrProtectedBranch):
		return http.StatusForbidden
	case errors.Is(err, buildsupervisor.ErrUnknownLanguage),
		errors.Is(err, buildsupervisor.ErrMissingRequirements),
		errors.Is(err, buildsupervisor.ErrNotARepository):
		return http.StatusBadRequest
	case errors.Is(err, buildsupervisor.ErrDriverNotFound):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) handleTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, taskstore.ErrTaskNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
