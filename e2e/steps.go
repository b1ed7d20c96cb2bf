package e2e

import (
	"github.com/cucumber/godog"

	"ratebook/e2e/steps/catalog"
)

// RegisterSteps registers all step definitions from the modular step
// packages.
func RegisterSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	catalog.RegisterSteps(ctx, tc)
}
