package bdd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/cucumber/godog"

	"github.com/GoCodeAlone/upi"
	"github.com/GoCodeAlone/upi/audit"
	"github.com/GoCodeAlone/upi/config"
	"github.com/GoCodeAlone/upi/manifest"
	"github.com/GoCodeAlone/upi/registry"
)

// testContext holds the state of one scenario.
type testContext struct {
	records    []manifest.Record
	enablelist *manifest.Enablelist

	selected    manifest.Manifest
	selectErr   error
	explanation registry.Explanation

	pipeline string
	root     string
	result   *upi.RunResult
	runErr   error
}

func newTestContext() *testContext {
	return &testContext{}
}

func (tc *testContext) cleanup() {
	if tc.root != "" {
		_ = os.RemoveAll(tc.root)
	}
	*tc = testContext{}
}

func (tc *testContext) aRegistryWithManifests(table *godog.Table) error {
	if len(table.Rows) < 2 {
		return errors.New("manifest table needs a header and at least one row")
	}
	header := table.Rows[0].Cells
	for _, row := range table.Rows[1:] {
		fields := map[string]any{"entrypoint": "builtin:echo"}
		for i, cell := range row.Cells {
			key := header[i].Value
			if key == "capabilities" {
				var caps []any
				for _, c := range strings.Split(cell.Value, ",") {
					caps = append(caps, strings.TrimSpace(c))
				}
				fields[key] = caps
				continue
			}
			fields[key] = cell.Value
		}
		if _, ok := fields["name"]; !ok {
			fields["name"] = fields["id"]
		}
		tc.records = append(tc.records, manifest.Record{Source: "table", Fields: fields})
	}
	return nil
}

func (tc *testContext) theEnablelistAllowsOnly(id string) error {
	el, err := manifest.NewEnablelist(id)
	if err != nil {
		return err
	}
	tc.enablelist = el
	return nil
}

func (tc *testContext) registry() (*registry.Registry, error) {
	valid, rejected := manifest.Validate(tc.records, tc.enablelist)
	for _, rej := range rejected {
		if rej.Manifest == nil {
			return nil, rej.Err
		}
		valid = append(valid, *rej.Manifest)
	}
	reg := registry.New(registry.WithEnablelist(tc.enablelist))
	if err := reg.RegisterAll(valid); err != nil {
		return nil, err
	}
	return reg, nil
}

func (tc *testContext) iSelect(pluginType, capability, version string) error {
	return tc.iSelectPreferring(pluginType, capability, version, "")
}

func (tc *testContext) iSelectPreferring(pluginType, capability, version, prefer string) error {
	reg, err := tc.registry()
	if err != nil {
		return err
	}
	sel := registry.Selector{PluginType: pluginType, Capability: capability, Version: version, Prefer: prefer}
	tc.selected, tc.selectErr = reg.Select(sel)
	tc.explanation = reg.Explain(sel)
	return nil
}

func (tc *testContext) theSelectedPluginShouldBe(id string) error {
	if tc.selectErr != nil {
		return fmt.Errorf("selection failed: %w", tc.selectErr)
	}
	if tc.selected.ID != id {
		return fmt.Errorf("expected %s, got %s", id, tc.selected.ID)
	}
	if tc.explanation.Chosen != id {
		return fmt.Errorf("explanation chose %q, selection chose %s", tc.explanation.Chosen, id)
	}
	return nil
}

func (tc *testContext) theSelectionShouldFailWithNoCandidate() error {
	var nc *registry.NoCandidateError
	if !errors.As(tc.selectErr, &nc) {
		return fmt.Errorf("expected NoCandidateError, got %v", tc.selectErr)
	}
	if tc.explanation.Error == "" || len(tc.explanation.Candidates) != 0 {
		return fmt.Errorf("explanation should report the failure, got %+v", tc.explanation)
	}
	return nil
}

func (tc *testContext) theExplanationShouldReject(id, reason string) error {
	for _, r := range tc.explanation.Rejected {
		if r.ID == id {
			if string(r.Reason) != reason {
				return fmt.Errorf("%s rejected for %s, expected %s", id, r.Reason, reason)
			}
			return nil
		}
	}
	return fmt.Errorf("%s not rejected: %+v", id, tc.explanation.Rejected)
}

func (tc *testContext) aPipeline(doc *godog.DocString) error {
	tc.pipeline = doc.Content
	return nil
}

func (tc *testContext) load() (*config.PipelineSpec, error) {
	return upi.LoadPipelineBytes([]byte(tc.pipeline), upi.LoadOptions{})
}

func (tc *testContext) iRunThePipelineWith(scheduler string) error {
	spec, err := tc.load()
	if err != nil {
		return err
	}
	root, err := os.MkdirTemp("", "upi-bdd-")
	if err != nil {
		return err
	}
	tc.root = root
	reg, _, err := upi.ScanPlugins(upi.ScanOptions{Root: root, SkipFilesystem: true})
	if err != nil {
		return err
	}
	tc.result, tc.runErr = upi.Run(context.Background(), spec, reg, upi.RunOptions{Root: root, Scheduler: scheduler})
	return nil
}

func (tc *testContext) theRunShouldSucceed() error {
	if tc.runErr != nil {
		return fmt.Errorf("run failed: %w", tc.runErr)
	}
	return nil
}

func (tc *testContext) theStagesShouldHaveRunInTheOrder(order string) error {
	var want []string
	for _, s := range strings.Split(order, ",") {
		want = append(want, strings.TrimSpace(s))
	}
	if !reflect.DeepEqual(tc.result.Order, want) {
		return fmt.Errorf("expected result order %v, got %v", want, tc.result.Order)
	}

	data, err := os.ReadFile(tc.result.AuditPath)
	if err != nil {
		return err
	}
	var started []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if strings.Contains(line, `"event":"`+string(audit.EventStageStart)+`"`) {
			for _, s := range want {
				if strings.Contains(line, `"stage":"`+s+`"`) {
					started = append(started, s)
				}
			}
		}
	}
	if !reflect.DeepEqual(started, want) {
		return fmt.Errorf("expected audit start order %v, got %v", want, started)
	}
	return nil
}

func (tc *testContext) stageShouldHaveReceived(stage, key, value string) error {
	got := tc.result.Outputs(stage)[key]
	if got != value {
		return fmt.Errorf("stage %s received %s=%v, expected %s", stage, key, got, value)
	}
	return nil
}

func (tc *testContext) loadingShouldFailWithACycle() error {
	_, err := tc.load()
	var cyc *config.CyclicReferenceError
	if !errors.As(err, &cyc) {
		return fmt.Errorf("expected CyclicReferenceError, got %v", err)
	}
	return nil
}
