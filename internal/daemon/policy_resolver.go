package daemon

import (
	"github.com/openqube/qubesd/internal/policy"
	"github.com/openqube/qubesd/internal/qube"
)

// appResolver adapts the live qube collection to the policy package's
// Resolver/CandidateResolver/DispVMResolver interfaces, keeping package
// policy itself free of any dependency on package qube (see target.go's
// package comment).
type appResolver struct {
	app *qube.App
}

func newAppResolver(app *qube.App) appResolver {
	return appResolver{app: app}
}

func (r appResolver) Info(name string) (policy.VMInfo, bool) {
	q, ok := r.app.Collection.ByName(name)
	if !ok {
		return policy.VMInfo{}, false
	}
	base, _, _ := q.StringProp("template")
	return policy.VMInfo{
		Name:       q.Name(),
		Class:      string(q.Class()),
		Tags:       q.Tags.List(),
		DispVMBase: base,
	}, true
}

func (r appResolver) Candidates(s policy.Specifier) []string {
	var out []string
	for _, q := range r.app.Collection.All() {
		if s.Matches(q.Name(), r) {
			out = append(out, q.Name())
		}
	}
	return out
}

func (r appResolver) DefaultDispVM(source string) (string, bool) {
	q, ok := r.app.Collection.ByName(source)
	if !ok {
		return "", false
	}
	v, set, err := q.StringProp("default_dispvm")
	if err != nil || !set || v == "" {
		return "", false
	}
	return v, true
}
