// Camforge is a CNC/CAM production platform.
// Copyright (C) 2026 Camforge Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package routing holds the static job-kind routing table: which queue a
// kind is published to, under which routing key, and the per-kind retry
// and timeout defaults. Legacy kinds alias onto the family queues so old
// clients keep working.
package routing

import (
	"errors"
	"sort"

	"camforge/pkg/models"
)

// Queue families. Routing keys follow jobs.<family>.
const (
	FamilyAI     = "ai"
	FamilyModel  = "model"
	FamilyCAM    = "cam"
	FamilySim    = "sim"
	FamilyReport = "report"
	FamilyERP    = "erp"
)

// ErrUnknownKind is returned for kinds outside the routing table.
var ErrUnknownKind = errors.New("unknown job kind")

// Route is the broker addressing and default policy for one job kind.
type Route struct {
	Family         string
	Queue          string
	RoutingKey     string
	MaxRetries     int
	TimeoutSeconds int
}

// table is the authoritative kind set. Adding a kind here and to the
// validator registry is all a new job type needs.
var table = map[models.Kind]Route{
	models.KindAI:     {Family: FamilyAI, Queue: "default", RoutingKey: "jobs.ai", MaxRetries: 2, TimeoutSeconds: 300},
	models.KindModel:  {Family: FamilyModel, Queue: "model", RoutingKey: "jobs.model", MaxRetries: 3, TimeoutSeconds: 600},
	models.KindCAM:    {Family: FamilyCAM, Queue: "cam", RoutingKey: "jobs.cam", MaxRetries: 3, TimeoutSeconds: 1800},
	models.KindSim:    {Family: FamilySim, Queue: "sim", RoutingKey: "jobs.sim", MaxRetries: 2, TimeoutSeconds: 3600},
	models.KindReport: {Family: FamilyReport, Queue: "report", RoutingKey: "jobs.report", MaxRetries: 3, TimeoutSeconds: 300},
	models.KindERP:    {Family: FamilyERP, Queue: "erp", RoutingKey: "jobs.erp", MaxRetries: 5, TimeoutSeconds: 120},

	// Legacy kinds alias onto the family queues.
	models.KindAssembly:    {Family: FamilyModel, Queue: "model", RoutingKey: "jobs.model", MaxRetries: 3, TimeoutSeconds: 600},
	models.KindCADGenerate: {Family: FamilyModel, Queue: "model", RoutingKey: "jobs.model", MaxRetries: 3, TimeoutSeconds: 600},
	models.KindCADImport:   {Family: FamilyModel, Queue: "model", RoutingKey: "jobs.model", MaxRetries: 3, TimeoutSeconds: 600},
	models.KindCADExport:   {Family: FamilyModel, Queue: "model", RoutingKey: "jobs.model", MaxRetries: 3, TimeoutSeconds: 600},
	models.KindModelRepair: {Family: FamilyModel, Queue: "model", RoutingKey: "jobs.model", MaxRetries: 3, TimeoutSeconds: 900},
	models.KindCAMProcess:  {Family: FamilyCAM, Queue: "cam", RoutingKey: "jobs.cam", MaxRetries: 3, TimeoutSeconds: 1800},
	models.KindCAMOptimize: {Family: FamilyCAM, Queue: "cam", RoutingKey: "jobs.cam", MaxRetries: 3, TimeoutSeconds: 1800},
	models.KindGCodePost:   {Family: FamilyCAM, Queue: "cam", RoutingKey: "jobs.cam", MaxRetries: 3, TimeoutSeconds: 600},
	models.KindGCodeVerify: {Family: FamilyCAM, Queue: "cam", RoutingKey: "jobs.cam", MaxRetries: 3, TimeoutSeconds: 600},
	models.KindSimRun:      {Family: FamilySim, Queue: "sim", RoutingKey: "jobs.sim", MaxRetries: 2, TimeoutSeconds: 3600},
	models.KindSimCollide:  {Family: FamilySim, Queue: "sim", RoutingKey: "jobs.sim", MaxRetries: 2, TimeoutSeconds: 1800},
}

// byQueue is the reverse index queue → kinds, precomputed for the queue
// position service.
var byQueue = func() map[string][]models.Kind {
	idx := make(map[string][]models.Kind)
	for kind, r := range table {
		idx[r.Queue] = append(idx[r.Queue], kind)
	}
	for q := range idx {
		ks := idx[q]
		sort.Slice(ks, func(i, j int) bool { return ks[i] < ks[j] })
	}
	return idx
}()

// Lookup resolves the route for a kind. Unknown kinds return ErrUnknownKind.
func Lookup(kind models.Kind) (Route, error) {
	r, ok := table[kind]
	if !ok {
		return Route{}, ErrUnknownKind
	}
	return r, nil
}

// KindsForQueue returns every kind routed onto the named queue, sorted.
// The returned slice is shared; callers must not mutate it.
func KindsForQueue(queue string) []models.Kind {
	return byQueue[queue]
}

// Kinds returns all known kinds, sorted.
func Kinds() []models.Kind {
	out := make([]models.Kind, 0, len(table))
	for k := range table {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Queues returns the distinct queue names, sorted.
func Queues() []string {
	out := make([]string, 0, len(byQueue))
	for q := range byQueue {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}
