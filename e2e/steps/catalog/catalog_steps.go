package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/cucumber/godog"
)

// TestContext is the slice of the harness the catalog steps use.
type TestContext interface {
	AuthenticateAs(role string) error
	POST(path string, body map[string]any) error
	PUT(path string, body map[string]any) error
	GET(path string) error
	LastStatus() int
	LastField(field string) (any, bool)
	RandomCUSIP() string
}

// RegisterSteps registers catalog step definitions.
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &catalogSteps{tc: tc}

	ctx.Step(`^I am authenticated as a "([^"]*)"$`, steps.authenticateAs)
	ctx.Step(`^I create a product with a random CUSIP and base rate "([^"]*)"$`, steps.createProduct)
	ctx.Step(`^I update its rates to base "([^"]*)" expecting version (\d+)$`, steps.updateRates)
	ctx.Step(`^I list the catalog$`, steps.listCatalog)
	ctx.Step(`^the response status should be (\d+)$`, steps.responseStatusShouldBe)
	ctx.Step(`^the response error should be "([^"]*)"$`, steps.responseErrorShouldBe)
	ctx.Step(`^the catalog should not contain the product$`, steps.catalogShouldNotContainProduct)
}

type catalogSteps struct {
	tc TestContext

	productID    string
	productCUSIP string
}

func (s *catalogSteps) authenticateAs(ctx context.Context, role string) error {
	return s.tc.AuthenticateAs(role)
}

func (s *catalogSteps) createProduct(ctx context.Context, base string) error {
	cusip := s.tc.RandomCUSIP()
	err := s.tc.POST("/products", map[string]any{
		"cusip":          cusip,
		"name":           "E2E Fixed Annuity",
		"category":       "annuity",
		"base_rate":      base,
		"bonus_rate":     "0.5",
		"min_investment": "1000",
	})
	if err != nil {
		return err
	}

	s.productCUSIP = cusip
	if id, ok := s.tc.LastField("id"); ok {
		s.productID, _ = id.(string)
	}
	return nil
}

func (s *catalogSteps) updateRates(ctx context.Context, base string, version int) error {
	if s.productID == "" {
		return fmt.Errorf("no product was created in this scenario")
	}
	return s.tc.PUT("/products/"+s.productID+"/rates", map[string]any{
		"expected_version": version,
		"new_base":         base,
		"new_bonus":        "0.5",
		"effective_date":   time.Now().UTC().Add(24 * time.Hour).Format(time.RFC3339),
	})
}

func (s *catalogSteps) listCatalog(ctx context.Context) error {
	return s.tc.GET("/products")
}

func (s *catalogSteps) responseStatusShouldBe(ctx context.Context, status int) error {
	if got := s.tc.LastStatus(); got != status {
		return fmt.Errorf("expected status %d, got %d", status, got)
	}
	return nil
}

func (s *catalogSteps) responseErrorShouldBe(ctx context.Context, code string) error {
	v, ok := s.tc.LastField("error")
	if !ok {
		return fmt.Errorf("response carries no error field")
	}
	if v != code {
		return fmt.Errorf("expected error %q, got %v", code, v)
	}
	return nil
}

func (s *catalogSteps) catalogShouldNotContainProduct(ctx context.Context) error {
	if s.productCUSIP == "" {
		return fmt.Errorf("no product was created in this scenario")
	}

	v, ok := s.tc.LastField("products")
	if !ok {
		return fmt.Errorf("response carries no products field")
	}
	products, ok := v.([]any)
	if !ok {
		return fmt.Errorf("products field is not a list")
	}
	for _, p := range products {
		entry, ok := p.(map[string]any)
		if !ok {
			continue
		}
		if entry["cusip"] == s.productCUSIP {
			return fmt.Errorf("catalog unexpectedly contains CUSIP %s", s.productCUSIP)
		}
	}
	return nil
}
