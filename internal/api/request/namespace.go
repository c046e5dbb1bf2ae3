package request

type CreateNamespace struct {
	Name          string `json:"name" validate:"required,slug"`
	Description   string `json:"description" validate:"max=1024"`
	OwnerID       string `json:"owner_id"`
	RetentionDays int    `json:"retention_days" validate:"gte=0,lte=3650"`
}
