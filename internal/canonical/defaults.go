package canonical

import "github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/model"

var projectPhases = []string{"concept", "schematic", "design_development", "construction_documents", "construction", "closeout"}

// DefaultFields is the built-in schema used when no schema file is configured.
var DefaultFields = []FieldDef{
	{Kind: model.KindProject, Name: "name", DataType: TypeText, MaxLength: 200},
	{Kind: model.KindProject, Name: "code", DataType: TypeText, Validation: `^\d{2}\s?BK-\d{3}$`},
	{Kind: model.KindProject, Name: "status", DataType: TypeEnum, Values: []string{"active", "on_hold", "completed", "cancelled", "archived"}},
	{Kind: model.KindProject, Name: "phase", DataType: TypeEnum, Values: projectPhases},
	{Kind: model.KindProject, Name: "fee", DataType: TypeMoney, ReviewRequired: true},
	{Kind: model.KindProject, Name: "client_id", DataType: TypeInteger},
	{Kind: model.KindProject, Name: "country", DataType: TypeText, MaxLength: 100},
	{Kind: model.KindProject, Name: "start_date", DataType: TypeDate},
	{Kind: model.KindProject, Name: "end_date", DataType: TypeDate},

	{Kind: model.KindProposal, Name: "title", DataType: TypeText, MaxLength: 300},
	{Kind: model.KindProposal, Name: "status", DataType: TypeEnum, Values: []string{"draft", "sent", "negotiating", "won", "lost", "dormant"}},
	{Kind: model.KindProposal, Name: "fee", DataType: TypeMoney, ReviewRequired: true},
	{Kind: model.KindProposal, Name: "win_probability", DataType: TypeNumber},
	{Kind: model.KindProposal, Name: "sent_date", DataType: TypeDate},
	{Kind: model.KindProposal, Name: "last_contact_date", DataType: TypeDate},
	{Kind: model.KindProposal, Name: "contact_email", DataType: TypeText, Validation: `^[^@\s]+@[^@\s]+\.[^@\s]+$`},

	{Kind: model.KindContract, Name: "status", DataType: TypeEnum, Values: []string{"draft", "sent", "signed", "terminated"}},
	{Kind: model.KindContract, Name: "value", DataType: TypeMoney, ReviewRequired: true},
	{Kind: model.KindContract, Name: "signed_date", DataType: TypeDate},
	{Kind: model.KindContract, Name: "currency", DataType: TypeText, Validation: `^[A-Z]{3}$`},

	{Kind: model.KindInvoice, Name: "number", DataType: TypeText, MaxLength: 50},
	{Kind: model.KindInvoice, Name: "amount", DataType: TypeMoney, ReviewRequired: true},
	{Kind: model.KindInvoice, Name: "status", DataType: TypeEnum, Values: []string{"draft", "issued", "partially_paid", "paid", "void"}},
	{Kind: model.KindInvoice, Name: "issued_date", DataType: TypeDate},
	{Kind: model.KindInvoice, Name: "due_date", DataType: TypeDate},
	{Kind: model.KindInvoice, Name: "paid_date", DataType: TypeDate},

	{Kind: model.KindClient, Name: "name", DataType: TypeText, MaxLength: 200},
	{Kind: model.KindClient, Name: "email", DataType: TypeText, Validation: `^[^@\s]+@[^@\s]+\.[^@\s]+$`},
	{Kind: model.KindClient, Name: "phone", DataType: TypeText, MaxLength: 40},
	{Kind: model.KindClient, Name: "country", DataType: TypeText, MaxLength: 100},

	{Kind: model.KindCommunication, Name: "category", DataType: TypeEnum, Values: []string{"contract", "invoice", "design", "schedule", "meeting", "general"}},
	{Kind: model.KindCommunication, Name: "project_id", DataType: TypeInteger},
	{Kind: model.KindCommunication, Name: "subject", DataType: TypeText, MaxLength: 500},
}

// DefaultSchema returns a strict schema built from DefaultFields.
func DefaultSchema() *Schema {
	fields := make([]FieldDef, len(DefaultFields))
	copy(fields, DefaultFields)
	s, err := NewSchema(fields, true)
	if err != nil {
		panic(err)
	}
	return s
}
