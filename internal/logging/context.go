package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if task := TaskFromContext(ctx); task != nil {
		fields = append(fields, zap.String("task_id", task.ID))
		if task.Workflow != "" {
			fields = append(fields, zap.String("workflow", task.Workflow))
		}
	}

	if agentID := AgentFromContext(ctx); agentID != "" {
		fields = append(fields, zap.String("agent_id", agentID))
	}

	return fields
}

type taskCtxKey struct{}
type agentCtxKey struct{}
type loggerCtxKey struct{}

// Task identifies the task a log line belongs to.
type Task struct {
	ID       string
	Workflow string
}

// WithTask adds task correlation to context. Empty IDs are ignored.
func WithTask(ctx context.Context, taskID, workflow string) context.Context {
	if taskID == "" {
		return ctx
	}
	return context.WithValue(ctx, taskCtxKey{}, &Task{ID: taskID, Workflow: workflow})
}

// TaskFromContext extracts task correlation from context.
func TaskFromContext(ctx context.Context) *Task {
	if t, ok := ctx.Value(taskCtxKey{}).(*Task); ok {
		return t
	}
	return nil
}

// WithAgent adds the requesting agent identifier to context.
func WithAgent(ctx context.Context, agentID string) context.Context {
	if agentID == "" {
		return ctx
	}
	return context.WithValue(ctx, agentCtxKey{}, agentID)
}

// AgentFromContext extracts the agent identifier from context.
func AgentFromContext(ctx context.Context) string {
	if a, ok := ctx.Value(agentCtxKey{}).(string); ok {
		return a
	}
	return ""
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}
