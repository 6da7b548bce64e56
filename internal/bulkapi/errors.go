package bulkapi

import "strings"

// ErrorKind is the closed classification of remote errors from the Bulk
// query/ingest/describe APIs (spec.md §4.2). The core branches on Kind;
// string matching is confined to Classify.
type ErrorKind int

const (
	KindUnsupportedByBulk ErrorKind = iota
	KindRequiresFilter
	KindPaginationUnsupported
	KindExternalObject
	KindCsvSerialize
	KindMetadataFilterRequired
	KindConnectionPool
	KindOutOfResources
	KindTransient
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnsupportedByBulk:
		return "UnsupportedByBulk"
	case KindRequiresFilter:
		return "RequiresFilter"
	case KindPaginationUnsupported:
		return "PaginationUnsupported"
	case KindExternalObject:
		return "ExternalObject"
	case KindCsvSerialize:
		return "CsvSerialize"
	case KindMetadataFilterRequired:
		return "MetadataFilterRequired"
	case KindConnectionPool:
		return "ConnectionPool"
	case KindOutOfResources:
		return "OutOfResources"
	case KindTransient:
		return "Transient"
	default:
		return "Fatal"
	}
}

// Retryable reports whether the Extract Engine should attempt one automatic
// reconnect+retry for this kind (spec.md §4.2 "Retry policy").
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindConnectionPool
}

// SkipsObject reports whether this kind should mark the ObjectTask Skipped
// rather than Failed (spec.md §7 taxonomy).
func (k ErrorKind) SkipsObject() bool {
	switch k {
	case KindUnsupportedByBulk, KindPaginationUnsupported, KindExternalObject,
		KindCsvSerialize, KindMetadataFilterRequired, KindRequiresFilter:
		return true
	default:
		return false
	}
}

// ClassifiedError wraps a remote error with its classification and a
// cleaned, user-facing message (prefixes like "Failed to create query
// job:" stripped per spec.md §7).
type ClassifiedError struct {
	Kind    ErrorKind
	Raw     error
	Message string
	Hint    string
}

func (e *ClassifiedError) Error() string { return e.Message }
func (e *ClassifiedError) Unwrap() error { return e.Raw }

// classifyRule pairs a set of substrings (any-match, case-insensitive) with
// the resulting classification. Order matters: first match wins.
type classifyRule struct {
	kind   ErrorKind
	hint   string
	substr []string
}

var classifyRules = []classifyRule{
	{KindUnsupportedByBulk, "this object cannot be queried through the Bulk API", []string{
		"not supported by the bulk api", "invalidentity",
	}},
	{KindRequiresFilter, "try a WHERE filter", []string{
		"implementation restriction", "requires a filter",
	}},
	{KindPaginationUnsupported, "narrow the result set so pagination isn't required", []string{
		"exceeded_id_limit", "does not support querymore",
	}},
	{KindExternalObject, "external objects cannot be bulk-queried", []string{
		"external_object_exception", "transient queries",
	}},
	{KindCsvSerialize, "one or more fields cannot be serialized to CSV; narrow the field list", []string{
		"cannot serialize", "csv format",
	}},
	{KindMetadataFilterRequired, "add a filter on the reified metadata column", []string{
		"malformed_query", "reified column",
	}},
	{KindConnectionPool, "the connection pool was shut down; a reconnect will be attempted", []string{
		"connection pool shut down", "pool closed",
	}},
	{KindOutOfResources, "raise available memory and retry", []string{
		"out of memory", "outofmemoryerror",
	}},
}

var transientSubstrings = []string{
	"timeout", "timed out", "connection reset", "broken pipe",
	"i/o timeout", "temporarily unavailable", "503", "502", "504",
	"internal server error", "gateway",
}

// cleanedPrefixes are stripped from the front of a raw error message before
// it is surfaced, per spec.md §7 "cleaned message".
var cleanedPrefixes = []string{
	"Failed to create query job: ",
	"Failed to create job: ",
	"Error: ",
}

// Classify inspects a raw remote error (or plain string) and returns its
// classification. It returns nil only for a nil err; anything matching no
// rule and not recognizably transient classifies as KindFatal.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	raw := err.Error()
	lower := strings.ToLower(raw)

	for _, rule := range classifyRules {
		for _, s := range rule.substr {
			if strings.Contains(lower, s) {
				return &ClassifiedError{Kind: rule.kind, Raw: err, Message: clean(raw), Hint: rule.hint}
			}
		}
	}
	for _, s := range transientSubstrings {
		if strings.Contains(lower, s) {
			return &ClassifiedError{Kind: KindTransient, Raw: err, Message: clean(raw)}
		}
	}
	return &ClassifiedError{Kind: KindFatal, Raw: err, Message: clean(raw)}
}

func clean(msg string) string {
	for _, p := range cleanedPrefixes {
		if strings.HasPrefix(msg, p) {
			return msg[len(p):]
		}
	}
	return msg
}
