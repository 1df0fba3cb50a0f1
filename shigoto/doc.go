// Package shigoto provides a backend-agnostic task distribution core.
//
// Producers put messages on a Channel; Worker nodes pull tasks from their
// input channel, execute them and forward results to their output channels.
// Tasker nodes forward tasks and keep periodic tasks circulating while their
// continuation predicate holds.
//
// Quick start:
//
//	shigoto.Register("mymod", "add", addFn)
//
//	in := shigoto.NewQueueChannel(shigoto.NewTaskCodec(nil))
//	out := shigoto.NewQueueChannel(shigoto.JSONCodec{})
//	w := shigoto.NewWorker(in, []shigoto.OutputChannel{out})
//	go w.Run(ctx)
//
//	in.Put(ctx, &shigoto.Task{Fn: shigoto.Ref("mymod", "add"), Args: []any{1, 2}})
//
// Channels exist for in-process queues, cross-process socket queues, Redis
// lists and publish/subscribe brokers (see package broker). Codecs decide
// how messages cross a channel; TaskCodec is the one to use whenever the
// consumer runs in a different process.
package shigoto
