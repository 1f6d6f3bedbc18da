package synth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validResourceHCL = `
variable "instance_type" {
  type    = string
  default = "t3.micro"
}

resource "aws_instance" "web" {
  ami           = "ami-0abc1234"
  instance_type = var.instance_type

  tags = {
    Name      = "web"
    ManagedBy = "costwatch"
  }
}
`

func TestValidateTerraform_ValidBlocks(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"resource block", validResourceHCL},
		{"module block", `
module "vpc" {
  source = "terraform-aws-modules/vpc/aws"
  name   = "main"
}
`},
		{"data block", `
data "aws_ami" "ubuntu" {
  most_recent = true
  filter {
    name   = "name"
    values = ["ubuntu/images/*"]
  }
}
`},
		{"braces inside strings", `
resource "aws_s3_bucket" "logs" {
  bucket = "logs-${var.env}"
  tags = {
    Pattern = "{unmatched"
  }
}
`},
		{"braces inside comments", `
# resource templates use { and } freely }
// closing } here too
/* and a block comment with { { { */
resource "aws_instance" "web" {
  ami = "ami-0abc1234"
}
`},
		{"braces inside heredoc", `
resource "aws_iam_policy" "scale_down" {
  policy = <<EOF
{
  "Version": "2012-10-17",
  "Statement": [{"Effect": "Allow"}
}
EOF
}
`},
		{"indented heredoc", `
resource "aws_instance" "web" {
  user_data = <<-INIT
    #!/bin/sh
    echo "{"
  INIT
  ami = "ami-0abc1234"
}
`},
		{"escaped quote in string", `
resource "aws_ssm_parameter" "cfg" {
  value = "say \"hello\" {ok}"
}
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, ValidateTerraform(tt.code))
		})
	}
}

func TestValidateTerraform_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		wantErr string
	}{
		{"empty", "", "empty"},
		{"whitespace only", "  \n\t ", "empty"},
		{"unclosed brace", `resource "aws_instance" "web" {
  ami = "ami-0abc1234"
`, "unbalanced braces"},
		{"extra closing brace", `resource "aws_instance" "web" {
  ami = "ami-0abc1234"
}
}`, "unbalanced closing brace"},
		{"unterminated string", `resource "aws_instance" "web" {
  ami = "ami-0abc1234
}`, "unterminated string"},
		{"unterminated heredoc", `resource "aws_instance" "web" {
  user_data = <<EOF
  never closed
`, "unterminated heredoc"},
		{"unterminated block comment", `resource "aws_instance" "web" {
} /* trailing`, "unterminated block comment"},
		{"no blocks", `variable "instance_type" {
  type = string
}`, "missing resource, module, or data block"},
		{"prose not code", `You should downsize the instance to save money.`, "missing resource"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTerraform(tt.code)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
