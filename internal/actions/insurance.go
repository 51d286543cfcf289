// Package actions ships the built-in insurance demo pack: product
// search, premium estimation and coverage summaries over a small
// in-memory product table. It doubles as the reference for writing
// card/script packs.
package actions

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"routenerd/internal/catalog"
	"routenerd/internal/registry"
)

// BuiltinGroup is the registry group name for this pack.
const BuiltinGroup = "builtin"

const (
	// Premium moves 2.5% per year of age away from the base age of 30.
	ageFactor = 0.025
	baseAge   = 30
	// Mortality-weighted products price lower for women in this table.
	femaleFactor = 0.9
)

type product struct {
	Name        string
	Category    string
	BasePremium int64 // monthly KRW at the base age, male
	MinPremium  int64
	Keywords    []string
	Coverage    []string
}

var products = []product{
	{
		Name:        "든든애암보험",
		Category:    "암보험",
		BasePremium: 42000,
		MinPremium:  12000,
		Keywords:    []string{"암", "항암", "진단비"},
		Coverage: []string{
			"암 진단비 최대 5,000만원",
			"항암 방사선/약물 치료비 회당 100만원",
			"암 수술비 회당 300만원",
		},
	},
	{
		Name:        "실속실손의료보험",
		Category:    "실손보험",
		BasePremium: 28000,
		MinPremium:  9000,
		Keywords:    []string{"실손", "실비", "의료비", "병원비"},
		Coverage: []string{
			"급여 의료비 본인부담금의 80% 보장",
			"비급여 의료비 연간 5,000만원 한도",
			"처방 약제비 건당 25만원 한도",
		},
	},
	{
		Name:        "더세이프운전자보험",
		Category:    "운전자보험",
		BasePremium: 15000,
		MinPremium:  6000,
		Keywords:    []string{"운전자", "교통사고", "벌금", "변호사"},
		Coverage: []string{
			"교통사고 처리지원금 최대 2억원",
			"변호사 선임비용 최대 5,000만원",
			"자동차사고 벌금 최대 3,000만원",
		},
	},
	{
		Name:        "평생종신보험",
		Category:    "종신보험",
		BasePremium: 89000,
		MinPremium:  30000,
		Keywords:    []string{"종신", "사망", "상속"},
		Coverage: []string{
			"사망보험금 1억원",
			"재해 사망 시 2억원",
			"납입면제: 암 진단 시 이후 보험료 면제",
		},
	},
	{
		Name:        "튼튼어린이보험",
		Category:    "어린이보험",
		BasePremium: 23000,
		MinPremium:  8000,
		Keywords:    []string{"어린이", "자녀", "태아"},
		Coverage: []string{
			"어린이 암 진단비 3,000만원",
			"골절/화상 치료비 건당 30만원",
			"입원 일당 3만원",
		},
	},
}

// Register adds the built-in group to the registry.
func Register(ctx context.Context, reg *registry.Registry) error {
	return reg.RegisterGroup(ctx, BuiltinGroup, loadBuiltin)
}

func loadBuiltin(ctx context.Context) ([]*registry.Action, error) {
	return []*registry.Action{
		searchProductsAction(),
		premiumEstimateAction(),
		coverageSummaryAction(),
	}, nil
}

func searchProductsAction() *registry.Action {
	return &registry.Action{
		Descriptor: &catalog.ActionDescriptor{
			Name:    "search_products",
			Purpose: "조건에 맞는 보험 상품을 검색한다",
			UsagePhrases: []string{
				"보험 상품 검색",
				"암보험 추천해줘",
				"어떤 보험 상품이 있어?",
				"실손보험 찾아줘",
			},
			Tags: []string{"상품", "검색", "추천"},
			Params: []catalog.ParamSpec{
				{Name: "query", Description: "검색어 또는 상품 분류"},
			},
			DisambiguationNotes: []string{
				"보험료 금액 계산은 premium_estimate, 보장 내용 확인은 coverage_summary를 사용",
			},
		},
		Handler: handleSearchProducts,
	}
}

func premiumEstimateAction() *registry.Action {
	return &registry.Action{
		Descriptor: &catalog.ActionDescriptor{
			Name:    "premium_estimate",
			Purpose: "나이와 성별 기준으로 월 예상 보험료를 계산한다",
			UsagePhrases: []string{
				"보험료 계산해줘",
				"한 달에 얼마야?",
				"30대 보험료 알려줘",
				"보험료 견적 내줘",
			},
			Tags: []string{"보험료", "견적", "계산"},
			Params: []catalog.ParamSpec{
				{Name: "age", Description: "나이", Required: true},
				{Name: "gender", Description: "성별", Required: true},
				{Name: "product", Description: "상품명 또는 분류"},
			},
			DisambiguationNotes: []string{
				"상품 자체를 찾을 때는 search_products를 사용",
				"age와 gender 값이 없으면 호출하지 말 것",
			},
			Disclaimer: "본 보험료는 예시 계산이며, 실제 보험료는 심사 결과에 따라 달라질 수 있습니다.",
		},
		Handler: handlePremiumEstimate,
	}
}

func coverageSummaryAction() *registry.Action {
	return &registry.Action{
		Descriptor: &catalog.ActionDescriptor{
			Name:    "coverage_summary",
			Purpose: "특정 보험 상품의 주요 보장 내용을 요약한다",
			UsagePhrases: []string{
				"보장 내용 알려줘",
				"뭘 보장해줘?",
				"이 상품 보장 범위가 어떻게 돼?",
			},
			Tags: []string{"보장", "담보", "상품설명"},
			Params: []catalog.ParamSpec{
				{Name: "product", Description: "상품명 또는 분류", Required: true},
			},
			DisambiguationNotes: []string{
				"어떤 상품이 있는지 모르는 상태라면 먼저 search_products를 사용",
			},
			Disclaimer: "세부 보장 조건은 약관을 기준으로 하며, 요약에는 생략된 내용이 있을 수 있습니다.",
		},
		Handler: handleCoverageSummary,
	}
}

func handleSearchProducts(ctx context.Context, args map[string]any) (*registry.Result, error) {
	query, _ := stringArg(args, "query")

	matched := matchProducts(query)
	if len(matched) == 0 {
		return registry.TextResult(fmt.Sprintf("%q 조건에 맞는 상품을 찾지 못했습니다.", query)), nil
	}

	var b strings.Builder
	b.WriteString("다음 상품을 찾았습니다:\n")
	for i, p := range matched {
		fmt.Fprintf(&b, "%d. %s (%s) - 월 %s원부터\n", i+1, p.Name, p.Category, humanize.Comma(p.MinPremium))
	}
	return registry.TextResult(strings.TrimRight(b.String(), "\n")), nil
}

func handlePremiumEstimate(ctx context.Context, args map[string]any) (*registry.Result, error) {
	var missing []string
	age, okAge := ageArg(args)
	if !okAge {
		missing = append(missing, "age")
	}
	gender, okGender := genderArg(args)
	if !okGender {
		missing = append(missing, "gender")
	}
	if len(missing) > 0 {
		return registry.NeedsMoreInput(missing...), nil
	}

	p := defaultProduct()
	if name, ok := stringArg(args, "product"); ok {
		if found := findProduct(name); found != nil {
			p = found
		}
	}

	premium := estimatePremium(p, age, gender)
	label := "남성"
	if gender == "F" {
		label = "여성"
	}
	return registry.TextResult(fmt.Sprintf("%s 기준 %d세 %s의 월 예상 보험료는 약 %s원입니다.",
		p.Name, age, label, humanize.Comma(premium))), nil
}

func handleCoverageSummary(ctx context.Context, args map[string]any) (*registry.Result, error) {
	name, ok := stringArg(args, "product")
	if !ok {
		return registry.NeedsMoreInput("product"), nil
	}
	p := findProduct(name)
	if p == nil {
		return registry.TextResult(fmt.Sprintf("%q 상품을 찾지 못했습니다. 상품명을 다시 확인해 주세요.", name)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s 주요 보장 내용:\n", p.Name)
	for _, c := range p.Coverage {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	return registry.TextResult(strings.TrimRight(b.String(), "\n")), nil
}

// estimatePremium prices a product for one person. The result moves
// linearly with age from the base age, never drops under the product
// floor, and is rounded down to the nearest hundred won.
func estimatePremium(p *product, age int, gender string) int64 {
	v := float64(p.BasePremium) * (1 + float64(age-baseAge)*ageFactor)
	if gender == "F" {
		v *= femaleFactor
	}
	n := int64(v) / 100 * 100
	if n < p.MinPremium {
		n = p.MinPremium
	}
	return n
}

func matchProducts(query string) []*product {
	query = strings.TrimSpace(query)
	var out []*product
	for i := range products {
		p := &products[i]
		if query == "" || productMatches(p, query) {
			out = append(out, p)
		}
	}
	return out
}

func productMatches(p *product, query string) bool {
	if strings.Contains(p.Name, query) || strings.Contains(p.Category, query) ||
		strings.Contains(query, p.Category) {
		return true
	}
	for _, kw := range p.Keywords {
		if strings.Contains(query, kw) {
			return true
		}
	}
	return false
}

func findProduct(name string) *product {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	for i := range products {
		p := &products[i]
		if p.Name == name {
			return p
		}
	}
	if matched := matchProducts(name); len(matched) > 0 {
		return matched[0]
	}
	return nil
}

func defaultProduct() *product {
	return &products[0]
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return strings.TrimSpace(s), true
}

// ageArg accepts the shapes the selector actually produces: JSON
// numbers and strings like "35" or "35세".
func ageArg(args map[string]any) (int, bool) {
	v, ok := args["age"]
	if !ok {
		return 0, false
	}
	var age int
	switch n := v.(type) {
	case float64:
		age = int(n)
	case int:
		age = n
	case string:
		s := strings.TrimSuffix(strings.TrimSpace(n), "세")
		parsed, err := strconv.Atoi(s)
		if err != nil {
			return 0, false
		}
		age = parsed
	default:
		return 0, false
	}
	if age < 1 || age > 120 {
		return 0, false
	}
	return age, true
}

// genderArg normalizes to "M" or "F".
func genderArg(args map[string]any) (string, bool) {
	v, ok := args["gender"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "M", "남", "남자", "남성", "MALE":
		return "M", true
	case "F", "여", "여자", "여성", "FEMALE":
		return "F", true
	}
	return "", false
}
