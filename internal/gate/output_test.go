package gate

import (
	"context"
	"strings"
	"testing"

	"routenerd/internal/catalog"
	"routenerd/internal/registry"
)

func mkAction(name string, phrases ...string) *registry.Action {
	return &registry.Action{
		Descriptor: &catalog.ActionDescriptor{Name: name, UsagePhrases: phrases},
		Handler: func(ctx context.Context, args map[string]any) (*registry.Result, error) {
			return registry.TextResult("ok"), nil
		},
	}
}

func TestCheck_CleanOutputPasses(t *testing.T) {
	og := NewOutputGate(registry.NewRegistry())
	v := og.Check("30세 남성 기준 월 보험료는 약 45,000원입니다.")
	if !v.OK {
		t.Fatalf("clean output flagged: %v", v.Violations)
	}
	if v.Hint != "" {
		t.Errorf("clean output carries hint %q", v.Hint)
	}
}

func TestCheck_Violations(t *testing.T) {
	og := NewOutputGate(registry.NewRegistry())

	cases := []struct {
		text string
		want string
	}{
		{"고객님의 번호는 900101-1234567 입니다.", "resident_registration_number"},
		{"상담원이 010-1234-5678 로 연락드립니다.", "phone_number"},
		{"이 상품은 100% 보장 됩니다.", "forbidden_phrase:100% 보장"},
		{"", "empty_output"},
		{"   \n", "empty_output"},
	}
	for _, tc := range cases {
		v := og.Check(tc.text)
		if v.OK {
			t.Errorf("%q passed the output gate", tc.text)
			continue
		}
		found := false
		for _, viol := range v.Violations {
			if viol == tc.want {
				found = true
			}
		}
		if !found {
			t.Errorf("%q: violations %v, want %s", tc.text, v.Violations, tc.want)
		}
		if v.Hint == "" {
			t.Errorf("%q: violation without repair hint", tc.text)
		}
	}
}

func TestSanitize_StripsInternalIdentifiers(t *testing.T) {
	reg := registry.NewRegistry()
	if err := reg.Register("insurance", []*registry.Action{
		mkAction("premium_estimate", "보험료 계산"),
	}); err != nil {
		t.Fatal(err)
	}
	og := NewOutputGate(reg)

	got := og.Sanitize("premium_estimate 실행 결과, 상품 B12345 의 보험료입니다.")
	if strings.Contains(got, "premium_estimate") {
		t.Errorf("action name survived: %q", got)
	}
	if strings.Contains(got, "B12345") {
		t.Errorf("product code survived: %q", got)
	}
	if strings.Contains(got, "  ") {
		t.Errorf("doubled spaces left behind: %q", got)
	}
}

func TestSanitize_FollowsRegistryVersion(t *testing.T) {
	reg := registry.NewRegistry()
	og := NewOutputGate(reg)

	text := "secret_tool 이라는 이름이 등장합니다."
	if got := og.Sanitize(text); !strings.Contains(got, "secret_tool") {
		t.Fatal("unregistered name must pass through")
	}

	if err := reg.Register("test", []*registry.Action{mkAction("secret_tool", "비밀 도구")}); err != nil {
		t.Fatal(err)
	}
	if got := og.Sanitize(text); strings.Contains(got, "secret_tool") {
		t.Errorf("name registered after the first call survived: %q", got)
	}
}

func TestAppendDisclaimers(t *testing.T) {
	text := "보험료는 약 45,000원입니다."
	d1 := "본 견적은 참고용이며 실제 보험료와 다를 수 있습니다."
	d2 := "정확한 내용은 약관을 확인하세요."

	got := AppendDisclaimers(text, []string{d1, d1, d2, ""})
	if strings.Count(got, d1) != 1 {
		t.Errorf("disclaimer duplicated: %q", got)
	}
	if !strings.Contains(got, d2) {
		t.Errorf("second disclaimer missing: %q", got)
	}

	// A repair retry re-appending over already-disclaimed text must not
	// double it.
	again := AppendDisclaimers(got, []string{d1, d2})
	if again != got {
		t.Errorf("re-append changed text:\n%q\n%q", got, again)
	}

	if AppendDisclaimers(text, nil) != text {
		t.Error("no disclaimers must leave text untouched")
	}
}
