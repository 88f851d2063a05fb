package githubapi

import "testing"

func TestParsePolicyDefaults(t *testing.T) {
	policy, err := ParsePolicy([]byte("# comment\n\nlabel: ship-it\n"))
	if err != nil {
		t.Fatal(err)
	}
	if policy.Label != "ship-it" {
		t.Fatalf("expected overridden label, got %q", policy.Label)
	}
	if policy.MergeMethod != MergeSquash {
		t.Fatalf("expected default merge method squash, got %q", policy.MergeMethod)
	}
	if policy.MaxWaitMinutes != 60 {
		t.Fatalf("expected default max_wait_minutes 60, got %d", policy.MaxWaitMinutes)
	}
}

func TestParsePolicyUnknownKeyIgnored(t *testing.T) {
	policy, err := ParsePolicy([]byte("label: automerge\nfuture_feature: enabled\n"))
	if err != nil {
		t.Fatalf("unknown keys must be ignored, got error: %v", err)
	}
	if policy.Label != "automerge" {
		t.Fatalf("expected known key still applied, got %q", policy.Label)
	}
}

func TestParsePolicyRejectsBadMergeMethod(t *testing.T) {
	_, err := ParsePolicy([]byte("merge_method: octopus\n"))
	if err == nil {
		t.Fatal("expected parse error for invalid merge_method")
	}
	if _, ok := err.(*PolicyParseError); !ok {
		t.Fatalf("expected *PolicyParseError, got %T", err)
	}
}

func TestParsePolicyRejectsMalformedLine(t *testing.T) {
	_, err := ParsePolicy([]byte("this is not key value\n"))
	if err == nil {
		t.Fatal("expected parse error for malformed line")
	}
}

func TestParsePolicyBooleanAndIntOverrides(t *testing.T) {
	raw := []byte(strJoin(
		"require_up_to_date: false",
		"update_branch: false",
		"allow_merge_when_no_checks: true",
		"max_wait_minutes: 15",
		"poll_interval_seconds: 5",
		"title_template: \"{title} for #{number}\"",
	))
	policy, err := ParsePolicy(raw)
	if err != nil {
		t.Fatal(err)
	}
	if policy.RequireUpToDate || policy.AllowMergeWhenNoChecks == false {
		t.Fatalf("boolean overrides not applied: %+v", policy)
	}
	if policy.MaxWaitMinutes != 15 || policy.PollIntervalSeconds != 5 {
		t.Fatalf("integer overrides not applied: %+v", policy)
	}
	if policy.TitleTemplate != "{title} for #{number}" {
		t.Fatalf("quoted template not unquoted: %q", policy.TitleTemplate)
	}
}

func strJoin(lines ...string) string {
	out := ""
	for _, l := range lines {
		out += l + "\n"
	}
	return out
}
