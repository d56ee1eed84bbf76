package integration_test

const (
	// User related constants
	TestUserId        = 1
	TestUserEmail     = "test@example.com"
	TestUserFirstName = "John"
	TestUserLastName  = "Doe"

	OtherUserId    = 2
	OtherUserEmail = "other@example.com"

	// Billing related constants
	TestWebhookSecret = "whsec_integration_test"
	TestPremiumDays   = 30
	TestPlanRef       = "price_premium_monthly"
	TestPhoneNumber   = "0912345678"
)
