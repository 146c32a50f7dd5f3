package models

import "time"

// ApplicationStatus 申请流转状态
type ApplicationStatus string

const (
	StatusNew                    ApplicationStatus = "NEW"
	StatusProgramSelected        ApplicationStatus = "PROGRAM_SELECTED"
	StatusPersonalInfoCompleted  ApplicationStatus = "PERSONAL_INFO_COMPLETED"
	StatusIdentityDocsUploaded   ApplicationStatus = "IDENTITY_DOCS_UPLOADED"
	StatusEduInfoCompleted       ApplicationStatus = "EDU_INFO_COMPLETED"
	StatusEduDocsUploaded        ApplicationStatus = "EDU_DOCS_UPLOADED"
	StatusSubmitted              ApplicationStatus = "SUBMITTED"
	StatusUnderReview            ApplicationStatus = "UNDER_REVIEW"
	StatusUnderUniversityReview  ApplicationStatus = "UNDER_UNIVERSITY_REVIEW"
	StatusApprovedByUniversity   ApplicationStatus = "APPROVED_BY_UNIVERSITY"
	StatusRejectedByUniversity   ApplicationStatus = "REJECTED_BY_UNIVERSITY"
	StatusReturnedForCorrection  ApplicationStatus = "RETURNED_FOR_CORRECTION"
	StatusUnderFacultyReview     ApplicationStatus = "UNDER_FACULTY_REVIEW"
	StatusFacultyReviewCompleted ApplicationStatus = "FACULTY_REVIEW_COMPLETED"
	StatusCompleted              ApplicationStatus = "COMPLETED"
	StatusIneligible             ApplicationStatus = "INELIGIBLE"
	StatusDeleted                ApplicationStatus = "DELETED"
)

// Applicant 申请人（只读，由门户其它模块维护）
type Applicant struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	FullName    string    `gorm:"size:200" json:"full_name"`
	Email       string    `gorm:"size:200" json:"email"`
	Phone       string    `gorm:"size:50" json:"phone"`
	NationalID  string    `gorm:"size:50" json:"national_id"`
	Nationality string    `gorm:"size:100" json:"nationality"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Program 招生专业
type Program struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Code        string    `gorm:"size:50;index" json:"code"`
	Name        string    `gorm:"size:200" json:"name"`
	DegreeLevel string    `gorm:"size:20" json:"degree_level"`
	Faculty     string    `gorm:"size:200" json:"faculty"`
	Capacity    int       `json:"capacity"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Application 申请档案，工作流的 subject
type Application struct {
	ID                     uint              `gorm:"primaryKey" json:"id"`
	TrackingCode           string            `gorm:"size:50;uniqueIndex" json:"tracking_code"`
	ApplicantID            uint              `gorm:"index" json:"applicant_id"`
	Applicant              *Applicant        `json:"applicant,omitempty"`
	ProgramID              *uint             `gorm:"index" json:"program_id,omitempty"`
	Program                *Program          `json:"program,omitempty"`
	Status                 ApplicationStatus `gorm:"size:40;index" json:"status"`
	TotalScore             float64           `json:"total_score"`
	UniversityReviewStatus string            `gorm:"size:30" json:"university_review_status"`
	ReviewComment          string            `gorm:"type:text" json:"review_comment"`
	AdmissionStatus        string            `gorm:"size:30" json:"admission_status"`
	InterviewAt            *time.Time        `json:"interview_at,omitempty"`
	DeadlineAt             *time.Time        `json:"deadline_at,omitempty"`
	SubmittedAt            *time.Time        `json:"submitted_at,omitempty"`
	CreatedAt              time.Time         `json:"created_at"`
	UpdatedAt              time.Time         `json:"updated_at"`
}

// ApplicationDocument 申请上传的材料
type ApplicationDocument struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	ApplicationID uint      `gorm:"index" json:"application_id"`
	Type          string    `gorm:"size:40" json:"type"`
	Status        string    `gorm:"size:20" json:"status"`
	FileName      string    `gorm:"size:255" json:"file_name"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Notification 站内通知
type Notification struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	ApplicationID uint       `gorm:"index" json:"application_id"`
	Recipient     string     `gorm:"size:200;index" json:"recipient"`
	Type          string     `gorm:"size:50" json:"type"`
	Title         string     `gorm:"size:255" json:"title"`
	Message       string     `gorm:"type:text" json:"message"`
	Priority      string     `gorm:"size:20" json:"priority"`
	ReadAt        *time.Time `json:"read_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// ApplicationTimelineEntry 状态变更时间线
type ApplicationTimelineEntry struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	ApplicationID uint      `gorm:"index" json:"application_id"`
	FromStatus    string    `gorm:"size:40" json:"from_status"`
	ToStatus      string    `gorm:"size:40" json:"to_status"`
	Description   string    `gorm:"type:text" json:"description"`
	CreatedBy     string    `gorm:"size:100" json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
}

// AllModels 返回需要迁移的全部模型
func AllModels() []interface{} {
	return []interface{}{
		&Rule{},
		&Execution{},
		&DeferredTask{},
		&Applicant{},
		&Program{},
		&Application{},
		&ApplicationDocument{},
		&Notification{},
		&ApplicationTimelineEntry{},
	}
}
