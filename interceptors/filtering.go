package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/glimte/mmate-redis/messaging"
)

// ErrFiltered is returned by a FilteringInterceptor using SkipWithError
var ErrFiltered = errors.New("message filtered")

// MessageFilter decides whether a message reaches the callback
type MessageFilter interface {
	// ShouldProcess returns true if the message should be processed
	ShouldProcess(ctx context.Context, msg any) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, msg any) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, msg any) (bool, error) {
	return f(ctx, msg)
}

// SkipBehavior defines what happens when a message is filtered out
type SkipBehavior int

const (
	// SkipSilently skips the message without error
	SkipSilently SkipBehavior = iota
	// SkipWithError returns ErrFiltered
	SkipWithError
	// SkipWithLog logs that the message was skipped
	SkipWithLog
)

// FilteringInterceptor drops messages its filter rejects
type FilteringInterceptor struct {
	filter       MessageFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter MessageFilter, skipBehavior SkipBehavior) *FilteringInterceptor {
	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       slog.Default(),
	}
}

// WithLogger sets the logger used by SkipWithLog
func (i *FilteringInterceptor) WithLogger(logger *slog.Logger) *FilteringInterceptor {
	i.logger = logger
	return i
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, msg any, next messaging.MessageHandler) error {
	shouldProcess, err := i.filter.ShouldProcess(ctx, msg)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}

	if shouldProcess {
		return next.Handle(ctx, msg)
	}

	switch i.skipBehavior {
	case SkipWithError:
		return fmt.Errorf("%w: %T", ErrFiltered, msg)
	case SkipWithLog:
		i.logger.Info("message skipped by filter", deliveryAttrs(ctx, msg)...)
	}
	return nil
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// CompositeFilter combines multiple filters with AND logic
type CompositeFilter struct {
	filters []MessageFilter
}

// NewCompositeFilter creates a new composite filter
func NewCompositeFilter(filters ...MessageFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - all filters must return true
func (f *CompositeFilter) ShouldProcess(ctx context.Context, msg any) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, msg)
		if err != nil {
			return false, err
		}
		if !shouldProcess {
			return false, nil
		}
	}
	return true, nil
}

// OrFilter combines multiple filters with OR logic
type OrFilter struct {
	filters []MessageFilter
}

// NewOrFilter creates a new OR filter
func NewOrFilter(filters ...MessageFilter) *OrFilter {
	return &OrFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - at least one filter must return true
func (f *OrFilter) ShouldProcess(ctx context.Context, msg any) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, msg)
		if err != nil {
			return false, err
		}
		if shouldProcess {
			return true, nil
		}
	}
	return false, nil
}

// NotFilter inverts a filter
type NotFilter struct {
	filter MessageFilter
}

// NewNotFilter creates a new NOT filter
func NewNotFilter(filter MessageFilter) *NotFilter {
	return &NotFilter{filter: filter}
}

// ShouldProcess implements MessageFilter
func (f *NotFilter) ShouldProcess(ctx context.Context, msg any) (bool, error) {
	ok, err := f.filter.ShouldProcess(ctx, msg)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// MessageTypeFilter passes messages whose delivery type id is allowed.
// Messages handled outside a dispatcher carry no delivery and are rejected.
type MessageTypeFilter struct {
	allowedTypes map[string]bool
}

// NewMessageTypeFilter creates a filter that only allows specific type ids
func NewMessageTypeFilter(allowedTypes ...string) *MessageTypeFilter {
	typeMap := make(map[string]bool)
	for _, t := range allowedTypes {
		typeMap[t] = true
	}
	return &MessageTypeFilter{allowedTypes: typeMap}
}

// ShouldProcess implements MessageFilter
func (f *MessageTypeFilter) ShouldProcess(ctx context.Context, msg any) (bool, error) {
	d, ok := messaging.DeliveryFromContext(ctx)
	if !ok {
		return false, nil
	}
	return f.allowedTypes[d.TypeID], nil
}

// ChannelFilter passes messages delivered on channels matching a glob
// pattern, using path.Match syntax
type ChannelFilter struct {
	pattern string
}

// NewChannelFilter creates a channel filter. The pattern is checked up front.
func NewChannelFilter(pattern string) (*ChannelFilter, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid channel pattern %q: %w", pattern, err)
	}
	return &ChannelFilter{pattern: pattern}, nil
}

// ShouldProcess implements MessageFilter
func (f *ChannelFilter) ShouldProcess(ctx context.Context, msg any) (bool, error) {
	d, ok := messaging.DeliveryFromContext(ctx)
	if !ok {
		return false, nil
	}
	matched, _ := path.Match(f.pattern, d.Channel)
	return matched, nil
}

// ConditionalInterceptor executes an interceptor only if a condition is met
type ConditionalInterceptor struct {
	condition   MessageFilter
	interceptor Interceptor
}

// NewConditionalInterceptor creates a new conditional interceptor
func NewConditionalInterceptor(condition MessageFilter, interceptor Interceptor) *ConditionalInterceptor {
	return &ConditionalInterceptor{
		condition:   condition,
		interceptor: interceptor,
	}
}

// Intercept implements Interceptor
func (i *ConditionalInterceptor) Intercept(ctx context.Context, msg any, next messaging.MessageHandler) error {
	shouldExecute, err := i.condition.ShouldProcess(ctx, msg)
	if err != nil {
		return err
	}

	if shouldExecute {
		return i.interceptor.Intercept(ctx, msg, next)
	}

	return next.Handle(ctx, msg)
}

// Name implements Interceptor
func (i *ConditionalInterceptor) Name() string {
	return fmt.Sprintf("ConditionalInterceptor[%s]", i.interceptor.Name())
}
