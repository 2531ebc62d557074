package models

import (
	"time"
)

// PropertyFields are the normalized scalar fields shared by canonical records and
// the merge engine's diff.
type PropertyFields struct {
	Title       string   `json:"title" gorm:"size:200;not null"`
	Price       *float64 `json:"price"`
	Area        *float64 `json:"area"`
	Floor       *int     `json:"floor"`
	TotalFloors *int     `json:"total_floors"`
	Address     *string  `json:"address" gorm:"size:255"`
	Street      *string  `json:"street" gorm:"size:128"`
	HouseNumber *string  `json:"house_number" gorm:"size:32"`
	District    *string  `json:"district" gorm:"size:64"`
	Category    *string  `json:"category" gorm:"size:32"`
	Status      *string  `json:"status" gorm:"size:32"`
	Layout      *string  `json:"layout" gorm:"size:100"`
	Material    *string  `json:"material" gorm:"size:32"`
	LivingArea  *string  `json:"living_area" gorm:"size:16"`
	KitchenArea *string  `json:"kitchen_area" gorm:"size:16"`
	Balcony     *string  `json:"balcony" gorm:"size:16"`
	Corner      *string  `json:"corner" gorm:"size:16"`
	Condition   *string  `json:"condition" gorm:"size:64"`
	YearBuilt   *string  `json:"year_built" gorm:"size:16"`
	SellerPhone *string  `json:"seller_phone" gorm:"size:32"`
	Description *string  `json:"description" gorm:"type:text"`
}

// Property is the canonical, deduplicated record. (Source, ExternalID) is unique.
type Property struct {
	ID             int64      `json:"id" gorm:"primaryKey"`
	Source         string     `json:"source" gorm:"size:32;not null;uniqueIndex:idx_properties_source_external_id"`
	ExternalID     string     `json:"external_id" gorm:"size:128;not null;uniqueIndex:idx_properties_source_external_id"`
	Link           string     `json:"link" gorm:"size:512;index"`
	AddedByUserID  *int64     `json:"added_by_user_id"`
	LastIngestedAt *time.Time `json:"last_ingested_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	PropertyFields `gorm:"embedded"`

	AddedBy *User             `json:"-" gorm:"foreignKey:AddedByUserID;constraint:OnDelete:SET NULL"`
	Images  []PropertyImage   `json:"images,omitempty" gorm:"constraint:OnDelete:CASCADE"`
	History []PropertyHistory `json:"history,omitempty" gorm:"constraint:OnDelete:CASCADE"`
}

func (Property) TableName() string { return "properties" }

type PropertyImage struct {
	ID          int64     `json:"id" gorm:"primaryKey"`
	PropertyID  int64     `json:"property_id" gorm:"not null;index"`
	Data        []byte    `json:"-" gorm:"not null"`
	Filename    string    `json:"filename" gorm:"size:255"`
	MimeType    string    `json:"mime_type" gorm:"size:50"`
	ContentHash string    `json:"content_hash" gorm:"size:64;index"`
	MirrorKey   *string   `json:"mirror_key" gorm:"size:255"`
	CreatedAt   time.Time `json:"created_at"`
}

func (PropertyImage) TableName() string { return "property_images" }

// PropertyHistory rows are append-only.
type PropertyHistory struct {
	ID         int64     `json:"id" gorm:"primaryKey"`
	PropertyID int64     `json:"property_id" gorm:"not null;index"`
	UserID     *int64    `json:"user_id"`
	Timestamp  time.Time `json:"timestamp" gorm:"not null"`
	FieldName  string    `json:"field_name" gorm:"size:100;not null"`
	OldValue   *string   `json:"old_value" gorm:"type:text"`
	NewValue   *string   `json:"new_value" gorm:"type:text"`
}

func (PropertyHistory) TableName() string { return "property_history" }

type Role struct {
	ID   int64  `json:"id" gorm:"primaryKey"`
	Name string `json:"name" gorm:"size:64;uniqueIndex;not null"`
}

func (Role) TableName() string { return "roles" }

type User struct {
	ID        int64     `json:"id" gorm:"primaryKey"`
	Username  string    `json:"username" gorm:"size:64;uniqueIndex;not null"`
	Email     string    `json:"email" gorm:"size:120;uniqueIndex;not null"`
	RoleID    *int64    `json:"role_id"`
	Role      *Role     `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

func (User) TableName() string { return "users" }

const RoleAdmin = "Admin"
