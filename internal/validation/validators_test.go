package validation

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestValidation(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Validation Suite")
}

var _ = Describe("Validation", func() {
	Describe("ValidateStringInput", func() {
		Context("with valid input", func() {
			It("should pass validation", func() {
				err := ValidateStringInput("field", "validinput123", 100)
				Expect(err).NotTo(HaveOccurred())
			})
		})

		Context("when input is too long", func() {
			It("should return validation error", func() {
				err := ValidateStringInput("field", "toolong", 5)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("must be 5 characters or less"))
			})
		})

		Context("when input contains SQL injection patterns", func() {
			It("should detect UNION attacks", func() {
				err := ValidateStringInput("field", "'; UNION SELECT * FROM users --", 100)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("contains potentially unsafe characters"))
			})

			It("should detect script injection", func() {
				err := ValidateStringInput("field", "<script>alert('xss')</script>", 100)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("contains potentially unsafe characters"))
			})

			It("should detect SQL comments", func() {
				err := ValidateStringInput("field", "input-- comment", 100)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("contains potentially unsafe characters"))
			})
		})

		Context("when input contains control characters", func() {
			It("should detect control characters", func() {
				controlChar := string(rune(0x01)) // SOH control character
				err := ValidateStringInput("field", "input"+controlChar, 100)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("contains invalid control characters"))
			})

			It("should allow valid whitespace", func() {
				err := ValidateStringInput("field", "input\twith\nlines\r", 100)
				Expect(err).NotTo(HaveOccurred())
			})
		})
	})

	Describe("SanitizeForLogging", func() {
		Context("with clean input", func() {
			It("should return input unchanged", func() {
				input := "clean input text"
				result := SanitizeForLogging(input)
				Expect(result).To(Equal(input))
			})
		})

		Context("with control characters", func() {
			It("should replace control characters", func() {
				controlChar := string(rune(0x01))
				input := "text" + controlChar + "more"
				result := SanitizeForLogging(input)
				Expect(result).To(Equal("text?more"))
			})

			It("should preserve valid whitespace", func() {
				input := "text\twith\nlines\r"
				result := SanitizeForLogging(input)
				Expect(result).To(Equal(input))
			})
		})

		Context("with long input", func() {
			It("should truncate long strings", func() {
				longInput := ""
				for i := 0; i < 300; i++ {
					longInput += "a"
				}

				result := SanitizeForLogging(longInput)
				Expect(len(result)).To(Equal(200))
				Expect(result).To(HaveSuffix("..."))
			})
		})
	})

	Describe("ZeroPriceRatio", func() {
		It("passes when the zero-priced share is within threshold", func() {
			err := ValidateZeroPriceRatio(1, 20, 10.0)
			Expect(err).NotTo(HaveOccurred())
		})

		It("reports a business warning when the share exceeds threshold", func() {
			err := ValidateZeroPriceRatio(5, 20, 10.0)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("zero-priced"))
		})

		It("never fails on an empty batch", func() {
			err := ValidateZeroPriceRatio(0, 0, 10.0)
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("SuspiciousChange", func() {
		It("passes when the change is within threshold", func() {
			err := ValidateSuspiciousChange("100", "140", 50.0)
			Expect(err).NotTo(HaveOccurred())
		})

		It("reports a business warning when the change exceeds threshold", func() {
			err := ValidateSuspiciousChange("100", "200", 50.0)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("suspicious"))
		})

		It("ignores a zero prior quantity (new position)", func() {
			err := ValidateSuspiciousChange("0", "100", 50.0)
			Expect(err).NotTo(HaveOccurred())
		})
	})
})
