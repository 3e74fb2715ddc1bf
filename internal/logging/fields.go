// Package logging wraps go.uber.org/zap with the structured-field
// conventions used throughout the pipelines and store: every log line
// carries component/operation/resource context instead of a free-form
// message.
package logging

import (
	"time"

	"go.uber.org/zap"
)

// Fields is a builder for the map of structured fields attached to a log
// entry. Each setter returns the receiver so calls chain.
type Fields map[string]any

// NewFields starts an empty field set.
func NewFields() Fields {
	return Fields{}
}

func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

func (f Fields) Operation(name string) Fields {
	f["operation"] = name
	return f
}

func (f Fields) Resource(resourceType, resourceName string) Fields {
	f["resource_type"] = resourceType
	if resourceName != "" {
		f["resource_name"] = resourceName
	}
	return f
}

func (f Fields) Duration(d time.Duration) Fields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

func (f Fields) Error(err error) Fields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

func (f Fields) Count(n int) Fields {
	f["count"] = n
	return f
}

func (f Fields) AccountID(id int64) Fields {
	f["account_id"] = id
	return f
}

func (f Fields) BatchID(id int64) Fields {
	f["batch_id"] = id
	return f
}

func (f Fields) BusinessDate(date string) Fields {
	f["business_date"] = date
	return f
}

func (f Fields) Custom(key string, value any) Fields {
	f[key] = value
	return f
}

// ToZap converts the field set into a zap.Field slice suitable for
// logger.With(...) or logger.Info(msg, fields...).
func (f Fields) ToZap() []zap.Field {
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		out = append(out, zap.Any(k, v))
	}
	return out
}

// DatabaseFields builds the standard field set for a store operation.
func DatabaseFields(operation, table string) Fields {
	return NewFields().Component("database").Operation(operation).Resource("table", table)
}

// HTTPFields builds the standard field set for an upstream HTTP call.
func HTTPFields(method, url string, statusCode int) Fields {
	f := NewFields().Component("http")
	f["method"] = method
	f["url"] = url
	f["status_code"] = statusCode
	return f
}

// PositionFields builds the standard field set for position-mutation log
// lines shared by the EOD and intraday pipelines.
func PositionFields(accountID, productID int64, batchID int64) Fields {
	f := NewFields().Component("position")
	f["account_id"] = accountID
	f["product_id"] = productID
	f["batch_id"] = batchID
	return f
}

// PerformanceFields builds the standard field set for timing a pipeline step.
func PerformanceFields(operation string, duration time.Duration, success bool) Fields {
	f := NewFields().Component("performance").Operation(operation).Duration(duration)
	f["success"] = success
	return f
}
