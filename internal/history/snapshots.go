package history

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/SubhajL/munbon2-backend-sub009/internal/network"
	"github.com/SubhajL/munbon2-backend-sub009/internal/solver"
)

// SnapshotWriter streams solved network states into InfluxDB: one point
// per node level, gate and reach flow, plus a solve summary point. The
// time series feeds replay and the operator dashboards.
type SnapshotWriter struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

// NewSnapshotWriter connects the writer to a bucket.
func NewSnapshotWriter(url, token, org, bucket string) *SnapshotWriter {
	client := influxdb2.NewClient(url, token)
	return &SnapshotWriter{
		client: client,
		write:  client.WriteAPIBlocking(org, bucket),
	}
}

// WriteSnapshot implements the solver's history sink.
func (w *SnapshotWriter) WriteSnapshot(ctx context.Context, st *network.State, violations []solver.Violation) error {
	ts := st.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	points := make([]*write.Point, 0, len(st.Levels)+len(st.GateFlows)+len(st.ReachFlows)+len(violations)+1)
	for node, level := range st.Levels {
		points = append(points, influxdb2.NewPoint("water_level",
			map[string]string{"node": node},
			map[string]interface{}{"level_m": level},
			ts))
	}
	for gate, flow := range st.GateFlows {
		points = append(points, influxdb2.NewPoint("gate_flow",
			map[string]string{"gate": gate},
			map[string]interface{}{"flow_m3s": flow, "opening_m": st.GateOpenings[gate]},
			ts))
	}
	for reach, flow := range st.ReachFlows {
		points = append(points, influxdb2.NewPoint("reach_flow",
			map[string]string{"reach": reach},
			map[string]interface{}{"flow_m3s": flow, "depth_m": st.ReachDepths[reach]},
			ts))
	}
	points = append(points, influxdb2.NewPoint("solve",
		map[string]string{},
		map[string]interface{}{
			"version":    int64(st.Version),
			"converged":  st.Converged,
			"iterations": st.Iterations,
			"residual":   st.Residual,
			"violations": len(violations),
		},
		ts))
	for _, v := range violations {
		points = append(points, influxdb2.NewPoint("constraint_violation",
			map[string]string{"subject": v.SubjectID, "kind": string(v.Kind)},
			map[string]interface{}{"value": v.Value, "limit": v.Limit},
			ts))
	}

	if err := w.write.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// Close flushes and releases the underlying client.
func (w *SnapshotWriter) Close() {
	w.client.Close()
}
