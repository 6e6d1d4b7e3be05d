package worker

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var (
	acronymBoundary = regexp.MustCompile(`([A-Z]+)([A-Z][a-z])`)
	wordBoundary    = regexp.MustCompile(`([a-z\d])([A-Z])`)
)

func dasherize(s string) string {
	s = strings.ReplaceAll(s, "::", "/")
	s = acronymBoundary.ReplaceAllString(s, "${1}_${2}")
	s = wordBoundary.ReplaceAllString(s, "${1}_${2}")
	return strings.ToLower(strings.ReplaceAll(s, "_", "-"))
}

// ExpandTubeName places name under namespace: "NewsletterSender" becomes
// "backburner.worker.queue.newsletter-sender". Names already carrying the
// namespace are not prefixed twice and anything after a ':' is dropped.
func ExpandTubeName(namespace, sep, name string) string {
	if sep == "" {
		sep = "."
	}
	name = strings.TrimPrefix(dasherize(name), namespace)
	full := strings.TrimSuffix(namespace, ".") + sep + name
	double := sep + sep
	for strings.Contains(full, double) {
		full = strings.ReplaceAll(full, double, sep)
	}
	full, _, _ = strings.Cut(full, ":")
	return full
}

// NormalizeTubes turns a loosely shaped tube list into distinct names in
// first-seen order. A sole argument that is itself a list is unwrapped; if
// that list holds nested lists only the first of them is used. Nil and
// empty names are dropped.
func NormalizeTubes(in ...any) []string {
	if len(in) == 1 {
		if inner, ok := asList(in[0]); ok {
			in = inner
			if len(in) > 0 {
				if first, ok := asList(in[0]); ok {
					in = first
				}
			}
		}
	}

	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}
	for _, v := range in {
		if list, ok := asList(v); ok {
			for _, item := range list {
				add(stringify(item))
			}
			continue
		}
		add(stringify(v))
	}
	return out
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case [][]string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(s)
	case fmt.Stringer:
		return s.String()
	}
	return fmt.Sprint(v)
}

// resolveTubes returns the expanded tubes a worker watches. When names is
// empty it falls back to the configured default queues, else to every
// namespaced broker tube plus the registry's queues and the primary queue.
func (w *Worker) resolveTubes(ctx context.Context, names []string) ([]string, error) {
	q := w.opts.Config.Queue
	names = NormalizeTubes(names)
	if len(names) == 0 {
		names = NormalizeTubes(q.DefaultQueues)
	}
	if len(names) == 0 {
		existing, err := w.conn.Tubes(ctx)
		if err != nil {
			return nil, fmt.Errorf("list tubes: %w", err)
		}
		var all []string
		for _, t := range existing {
			if strings.HasPrefix(t, q.TubeNamespace) {
				all = append(all, t)
			}
		}
		all = append(all, w.opts.Registry.Queues()...)
		all = append(all, q.PrimaryQueue)
		names = NormalizeTubes(all)
	}

	expanded := make([]string, len(names))
	for i, n := range names {
		expanded[i] = ExpandTubeName(q.TubeNamespace, q.NamespaceSeparator, n)
	}
	return NormalizeTubes(expanded), nil
}
