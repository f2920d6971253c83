package main

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/kong/pg-resilient-dal/pkg/pool"
	"github.com/kong/pg-resilient-dal/pkg/router"
)

type ReplicaStatus struct {
	ApplicationName string  `json:"applicationName"`
	ClientAddr      string  `json:"clientAddr"`
	State           string  `json:"state"`
	ReplayLagMS     float64 `json:"replayLagMS"`
}

type ReplicaLag struct {
	InRecovery bool    `json:"inRecovery"`
	LagMS      float64 `json:"lagMS"`
}

var replicaStatusQuery = `SELECT application_name, COALESCE(client_addr::text, ''), state,
       COALESCE(EXTRACT(EPOCH FROM replay_lag) * 1000, 0)::float8
  FROM pg_stat_replication
 ORDER BY application_name`

var replicaLagQuery = `SELECT pg_is_in_recovery(),
       COALESCE(EXTRACT(EPOCH FROM (now() - pg_last_xact_replay_timestamp())) * 1000, 0)::float8`

// replicaStatus lists the standbys streaming from the primary.
func (ac *appContext) replicaStatus(ctx context.Context) ([]ReplicaStatus, error) {
	op := router.Op{Endpoint: "GET /replication"}
	return router.Write(ctx, ac.Layer.Router, op, func(ctx context.Context, q pool.Querier) ([]ReplicaStatus, error) {
		rows, err := q.Query(ctx, replicaStatusQuery)
		if err != nil {
			return nil, err
		}
		return pgx.CollectRows(rows, pgx.RowToStructByPos[ReplicaStatus])
	})
}

// replicaLag measures replay lag on whichever pool serves reads.
func (ac *appContext) replicaLag(ctx context.Context) (ReplicaLag, error) {
	op := router.Op{Endpoint: "GET /replication"}
	return router.Read(ctx, ac.Layer.Router, op, func(ctx context.Context, q pool.Querier) (ReplicaLag, error) {
		var lag ReplicaLag
		err := q.QueryRow(ctx, replicaLagQuery).Scan(&lag.InRecovery, &lag.LagMS)
		return lag, err
	})
}
