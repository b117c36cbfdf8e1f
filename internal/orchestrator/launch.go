package orchestrator

import (
	"context"
	"strconv"

	"orderline/internal/monitor"
)

// Launch asks the worker script to start up to maxWorkers detached workers
// for the ready tasks of an order. The launcher prints an acknowledgement
// and exits; every launched pid is handed to the registrar so crashes are
// detected. The job goes through the same registry and history as others.
func (o *Orchestrator) Launch(ctx context.Context, projectID, orderID string, maxWorkers int) (Result, LaunchAck, error) {
	req := Request{Kind: KindWorker, ProjectID: projectID, TargetID: orderID}
	if err := o.validate(&req); err != nil {
		return Result{}, LaunchAck{}, err
	}
	if maxWorkers <= 0 {
		maxWorkers = o.cfg.MaxWorkers
	}
	j, err := o.register(ctx, req)
	if err != nil {
		return Result{}, LaunchAck{}, err
	}
	var ack LaunchAck
	res := o.execute(j, func(res *Result) {
		args := []string{"parallel", projectID, orderID, "--max-workers", strconv.Itoa(maxWorkers), "--json"}
		o.step(j, res, args, o.cfg.PlanningTimeout)
		if !res.Success {
			return
		}
		parsed, err := ParseLaunchAck(res.Stdout)
		if err != nil {
			res.Success = false
			res.Error = err.Error()
			return
		}
		ack = parsed
		for _, w := range ack.Launched {
			if o.registrar == nil {
				break
			}
			o.registrar.Register(monitor.Entry{
				PID:       w.PID,
				TaskID:    w.TaskID,
				ProjectID: projectID,
				OrderID:   orderID,
				LogFile:   w.LogFile,
			})
		}
		o.log.WithField("order_id", orderID).Infof("parallel launcher started %d workers", len(ack.Launched))
	})
	return res, ack, nil
}
