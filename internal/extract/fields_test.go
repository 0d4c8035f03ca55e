package extract

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("parseFieldsJSON", func() {
	When("the response is a bare JSON object", func() {
		It("parses every field", func() {
			fields, err := parseFieldsJSON(`{
				"vendor": "セブンイレブン",
				"date": "令和5年10月1日",
				"amount": 1234,
				"tax_id": "T1234567890123",
				"items": [
					{"description": "おにぎり", "amount": 150},
					{"description": "お茶", "amount": 120}
				],
				"confidence": 0.92
			}`)
			Expect(err).NotTo(HaveOccurred())
			Expect(fields.Vendor).To(Equal("セブンイレブン"))
			Expect(fields.Date).To(Equal("2023-10-01"))
			Expect(fields.Amount).To(Equal(1234))
			Expect(fields.TaxID).To(Equal("T1234567890123"))
			Expect(fields.Items).To(HaveLen(2))
			Expect(fields.Items[0].Description).To(Equal("おにぎり"))
			Expect(fields.Items[0].Amount).To(Equal(150))
			Expect(fields.Confidence).To(Equal(0.92))
		})
	})

	When("the response is wrapped in markdown fences", func() {
		It("strips the fences before parsing", func() {
			fields, err := parseFieldsJSON("```json\n{\"vendor\": \"Lawson\", \"amount\": 500}\n```")
			Expect(err).NotTo(HaveOccurred())
			Expect(fields.Vendor).To(Equal("Lawson"))
			Expect(fields.Amount).To(Equal(500))
		})
	})

	When("the response embeds the object in prose", func() {
		It("locates the object boundaries", func() {
			fields, err := parseFieldsJSON(`Here is the result: {"vendor": "FamilyMart"} as requested.`)
			Expect(err).NotTo(HaveOccurred())
			Expect(fields.Vendor).To(Equal("FamilyMart"))
		})
	})

	When("the amount is a formatted string", func() {
		It("strips separators and currency marks", func() {
			fields, err := parseFieldsJSON(`{"amount": "¥1,234"}`)
			Expect(err).NotTo(HaveOccurred())
			Expect(fields.Amount).To(Equal(1234))
		})

		It("handles full-width currency notation", func() {
			fields, err := parseFieldsJSON(`{"amount": "１２３"}`)
			Expect(err).NotTo(HaveOccurred())
			// Full-width digits are not numeric to ParseFloat; the amount
			// stays unset rather than failing the whole parse.
			Expect(fields.Amount).To(Equal(0))

			fields, err = parseFieldsJSON(`{"amount": "1234円"}`)
			Expect(err).NotTo(HaveOccurred())
			Expect(fields.Amount).To(Equal(1234))
		})

		It("rounds fractional amounts", func() {
			fields, err := parseFieldsJSON(`{"amount": 1234.6}`)
			Expect(err).NotTo(HaveOccurred())
			Expect(fields.Amount).To(Equal(1235))
		})
	})

	When("fields are missing or null", func() {
		It("leaves them at their zero values", func() {
			fields, err := parseFieldsJSON(`{"vendor": null, "date": null, "amount": null}`)
			Expect(err).NotTo(HaveOccurred())
			Expect(fields.Vendor).To(BeEmpty())
			Expect(fields.Date).To(BeEmpty())
			Expect(fields.Amount).To(Equal(0))
		})
	})

	When("the confidence is missing or out of range", func() {
		It("substitutes the default", func() {
			fields, err := parseFieldsJSON(`{"vendor": "X"}`)
			Expect(err).NotTo(HaveOccurred())
			Expect(fields.Confidence).To(Equal(defaultFieldConfidence))

			fields, err = parseFieldsJSON(`{"vendor": "X", "confidence": 1.7}`)
			Expect(err).NotTo(HaveOccurred())
			Expect(fields.Confidence).To(Equal(defaultFieldConfidence))

			fields, err = parseFieldsJSON(`{"vendor": "X", "confidence": -0.2}`)
			Expect(err).NotTo(HaveOccurred())
			Expect(fields.Confidence).To(Equal(defaultFieldConfidence))
		})
	})

	When("the date is unparseable", func() {
		It("leaves it empty", func() {
			fields, err := parseFieldsJSON(`{"date": "sometime last week"}`)
			Expect(err).NotTo(HaveOccurred())
			Expect(fields.Date).To(BeEmpty())
		})
	})

	When("an item has neither description nor amount", func() {
		It("drops it", func() {
			fields, err := parseFieldsJSON(`{"items": [{"description": "", "amount": null}, {"description": "coffee", "amount": 300}]}`)
			Expect(err).NotTo(HaveOccurred())
			Expect(fields.Items).To(HaveLen(1))
			Expect(fields.Items[0].Description).To(Equal("coffee"))
		})
	})

	When("the response contains no JSON object", func() {
		It("returns an error", func() {
			_, err := parseFieldsJSON("I could not read the receipt.")
			Expect(err).To(HaveOccurred())
		})
	})

	When("the JSON is malformed", func() {
		It("returns an error", func() {
			_, err := parseFieldsJSON(`{"vendor": "broken`)
			Expect(err).To(HaveOccurred())
		})
	})
})
